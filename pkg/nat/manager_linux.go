//go:build linux

package nat

import (
	"fmt"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/easzlab/blobnfs/pkg/logging"
	"go.uber.org/zap"
)

// iptablesManager manages DNAT rules on Linux using coreos/go-iptables.
type iptablesManager struct {
	ipt    *iptables.IPTables
	chain  string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewManager creates a new Manager backed by real iptables operations.
func NewManager(opts Options, logger *zap.Logger) (Manager, error) {
	wait := opts.WaitSeconds
	if wait <= 0 {
		wait = 5
	}
	ipt, err := iptables.New(iptables.IPFamily(iptables.ProtocolIPv4), iptables.Timeout(wait))
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}

	chain := opts.Chain
	if chain == "" {
		chain = "OUTPUT"
	}

	return &iptablesManager{
		ipt:    ipt,
		chain:  chain,
		logger: logger,
	}, nil
}

func (m *iptablesManager) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuleInstall, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	spec := buildRuleSpec(rule)
	exists, err := m.ipt.Exists(natTable, m.chain, spec...)
	if err != nil {
		return fmt.Errorf("%w: check %s: %w", ErrRuleInstall, rule.Key(), err)
	}
	if exists {
		m.logger.Info("DNAT rule already present", zap.String("rule", rule.Key()))
		return nil
	}

	if err := m.ipt.Insert(natTable, m.chain, 1, spec...); err != nil {
		m.logger.Error("failed to install DNAT rule", zap.String("rule", rule.Key()), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrRuleInstall, rule.Key(), err)
	}

	logging.Success(m.logger, "installed DNAT rule",
		zap.String("chain", m.chain),
		zap.String("destination", rule.Destination.String()),
		zap.String("target", rule.Target.String()),
	)
	return nil
}

func (m *iptablesManager) DeleteRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuleRemove, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	spec := buildRuleSpec(rule)
	exists, err := m.ipt.Exists(natTable, m.chain, spec...)
	if err != nil {
		return fmt.Errorf("%w: check %s: %w", ErrRuleRemove, rule.Key(), err)
	}
	if !exists {
		m.logger.Info("DNAT rule not present", zap.String("rule", rule.Key()))
		return nil
	}

	if err := m.ipt.Delete(natTable, m.chain, spec...); err != nil {
		m.logger.Error("failed to remove DNAT rule", zap.String("rule", rule.Key()), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrRuleRemove, rule.Key(), err)
	}

	logging.Success(m.logger, "removed DNAT rule",
		zap.String("chain", m.chain),
		zap.String("destination", rule.Destination.String()),
		zap.String("target", rule.Target.String()),
	)
	return nil
}

func (m *iptablesManager) Exists(rule Rule) (bool, error) {
	if err := rule.Validate(); err != nil {
		return false, err
	}
	return m.ipt.Exists(natTable, m.chain, buildRuleSpec(rule)...)
}

func (m *iptablesManager) List() ([]Rule, error) {
	lines, err := m.ipt.List(natTable, m.chain)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s chain: %w", m.chain, err)
	}

	var rules []Rule
	for _, line := range lines {
		if rule, ok := parseRuleSpec(line); ok {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}
