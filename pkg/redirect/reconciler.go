package redirect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/easzlab/blobnfs/pkg/nat"
	"go.uber.org/zap"
)

// Reconciler implements declarative reconciliation between the desired state
// (mountmap entries) and the actual state (tagged DNAT rules in the kernel).
type Reconciler struct {
	store  Store
	rules  nat.Manager
	logger *zap.Logger
	mu     sync.Mutex
}

// NewReconciler creates a new Reconciler.
func NewReconciler(store Store, rules nat.Manager, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		rules:  rules,
		logger: logger,
	}
}

// Reconcile installs the rule of every mountmap entry that lacks one and
// removes tagged rules no entry asks for. Rules without the blobnfs tag are
// never touched.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Phase 1: Build desired state
	entries, invalid, err := r.store.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to read mountmap: %w", err)
	}
	for _, line := range invalid {
		r.logger.Warn("skipping unparsable mountmap line", zap.String("line", line))
	}

	desired := make(map[string]nat.Rule, len(entries))
	for _, entry := range entries {
		rule := ruleFor(entry)
		desired[rule.Key()] = rule
	}

	// Phase 2: Get actual state from the NAT table
	rules, err := r.rules.List()
	if err != nil {
		return fmt.Errorf("failed to list DNAT rules: %w", err)
	}
	actual := make(map[string]nat.Rule, len(rules))
	for _, rule := range rules {
		actual[rule.Key()] = rule
	}

	r.logger.Info("starting reconcile", zap.Int("desired_rules", len(desired)), zap.Int("actual_rules", len(actual)))

	var reconcileErrors []error

	// Phase 3: Install missing rules
	for key, rule := range desired {
		if _, exists := actual[key]; exists {
			continue
		}
		if err := r.rules.AddRule(rule); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("install %s: %w", key, err))
		}
	}

	// Phase 4: Remove orphaned rules
	for key, rule := range actual {
		if _, exists := desired[key]; exists {
			continue
		}
		if err := r.rules.DeleteRule(rule); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("remove %s: %w", key, err))
		}
	}

	if len(reconcileErrors) > 0 {
		r.logger.Error("reconcile completed with errors", zap.Int("error_count", len(reconcileErrors)))
		return errors.Join(reconcileErrors...)
	}

	r.logger.Info("reconcile completed successfully")
	return nil
}
