// Package redirect ties name resolution, the mountmap and the NAT table
// together: attaching an endpoint records it in the mountmap and installs the
// DNAT rule that sends its traffic to the local target.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/easzlab/blobnfs/pkg/healthcheck"
	"github.com/easzlab/blobnfs/pkg/ipv4"
	"github.com/easzlab/blobnfs/pkg/logging"
	"github.com/easzlab/blobnfs/pkg/mountmap"
	"github.com/easzlab/blobnfs/pkg/nat"
	"github.com/easzlab/blobnfs/pkg/resolver"
	"go.uber.org/zap"
)

var (
	// ErrTargetNotPrivate is returned when a public target is given while
	// private targets are required.
	ErrTargetNotPrivate = errors.New("redirect target is not a private address")

	// ErrConflict is returned when the endpoint is already redirected to a
	// different target.
	ErrConflict = errors.New("endpoint already redirected to a different target")
)

// Store is the subset of the mountmap used here.
type Store interface {
	AddEntry(ctx context.Context, e mountmap.Entry) error
	DeleteEntry(ctx context.Context, e mountmap.Entry) error
	Entries(ctx context.Context) ([]mountmap.Entry, []string, error)
}

// type check
var _ Store = (*mountmap.Store)(nil)

// Options constrains attach requests.
type Options struct {
	RequirePrivateTarget bool

	// TargetPort, when non-zero, is probed with Checker on the target
	// before anything is recorded.
	TargetPort uint16
	Checker    healthcheck.Checker
}

// Redirector performs the attach, detach and refresh lifecycle.
//
// Each step is individually idempotent, but a sequence is not atomic with
// respect to other processes editing the same mountmap or NAT table. A pass
// of the Reconciler repairs whatever an interrupted sequence leaves behind.
type Redirector struct {
	resolver  resolver.Resolver
	store     Store
	rules     nat.Manager
	validator *ipv4.Validator
	opts      Options
	logger    *zap.Logger
}

// NewRedirector creates a Redirector.
func NewRedirector(res resolver.Resolver, store Store, rules nat.Manager, validator *ipv4.Validator, opts Options, logger *zap.Logger) *Redirector {
	if validator == nil {
		validator = ipv4.NewValidator(nil)
	}
	if opts.TargetPort != 0 && opts.Checker == nil {
		opts.Checker = healthcheck.NewTCPChecker(3 * time.Second)
	}
	return &Redirector{
		resolver:  res,
		store:     store,
		rules:     rules,
		validator: validator,
		opts:      opts,
		logger:    logger,
	}
}

// Attach resolves fqdn, records it in the mountmap and redirects its address
// to target. Attaching the same pair again is a no-op that re-asserts the
// rule. When the endpoint has moved to a new address the stale entry and
// rule are replaced. Names are matched case-insensitively and without a
// trailing dot.
func (r *Redirector) Attach(ctx context.Context, fqdn, target string) (mountmap.Entry, error) {
	fqdn = mountmap.NormalizeFQDN(fqdn)

	targetAddr, err := r.parseTarget(target)
	if err != nil {
		return mountmap.Entry{}, err
	}

	if r.opts.TargetPort != 0 {
		if err := r.opts.Checker.Check(ctx, netip.AddrPortFrom(targetAddr, r.opts.TargetPort)); err != nil {
			r.logger.Error("redirect target failed check", zap.String("target", targetAddr.String()), zap.Error(err))
			return mountmap.Entry{}, err
		}
	}

	address, err := r.resolver.ResolveIPv4(ctx, fqdn)
	if err != nil {
		return mountmap.Entry{}, err
	}

	return r.attach(ctx, mountmap.Entry{FQDN: fqdn, Address: address, Target: targetAddr})
}

// attach records entry and installs its rule, replacing entries of the same
// name and target that point at another address.
func (r *Redirector) attach(ctx context.Context, entry mountmap.Entry) (mountmap.Entry, error) {
	if err := entry.Validate(); err != nil {
		return mountmap.Entry{}, err
	}

	entries, _, err := r.store.Entries(ctx)
	if err != nil {
		return mountmap.Entry{}, err
	}

	existed := false
	var stale []mountmap.Entry
	for _, existing := range lookup(entries, entry.FQDN) {
		switch {
		case existing.Target != entry.Target:
			return mountmap.Entry{}, fmt.Errorf("%w: %s -> %s", ErrConflict, entry.FQDN, existing.Target)
		case existing == entry:
			existed = true
		default:
			stale = append(stale, existing)
		}
	}

	if err := r.store.AddEntry(ctx, entry); err != nil {
		return mountmap.Entry{}, err
	}
	if err := r.rules.AddRule(ruleFor(entry)); err != nil {
		if !existed {
			if rbErr := r.store.DeleteEntry(ctx, entry); rbErr != nil {
				r.logger.Error("failed to roll back mountmap entry", zap.String("entry", entry.String()), zap.Error(rbErr))
				err = errors.Join(err, rbErr)
			}
		}
		return mountmap.Entry{}, err
	}

	var staleErrs []error
	for _, old := range stale {
		r.logger.Info("endpoint address changed",
			zap.String("fqdn", entry.FQDN),
			zap.String("old", old.Address.String()),
			zap.String("new", entry.Address.String()),
		)
		if err := r.release(ctx, old); err != nil {
			staleErrs = append(staleErrs, err)
		}
	}

	logging.Success(r.logger, "endpoint attached",
		zap.String("fqdn", entry.FQDN),
		zap.String("address", entry.Address.String()),
		zap.String("target", entry.Target.String()),
	)
	return entry, errors.Join(staleErrs...)
}

// Detach removes every entry for fqdn, or only the one pointing at target
// when target is non-empty, together with rules no other entry needs.
// Detaching an endpoint that is not attached succeeds.
func (r *Redirector) Detach(ctx context.Context, fqdn, target string) error {
	fqdn = mountmap.NormalizeFQDN(fqdn)

	var targetAddr netip.Addr
	if target != "" {
		addr, err := r.validator.Parse(target)
		if err != nil {
			return fmt.Errorf("target %q: %w", target, err)
		}
		targetAddr = addr
	}

	entries, _, err := r.store.Entries(ctx)
	if err != nil {
		return err
	}

	var errs []error
	detached := 0
	for _, entry := range lookup(entries, fqdn) {
		if targetAddr.IsValid() && entry.Target != targetAddr {
			continue
		}
		if err := r.release(ctx, entry); err != nil {
			errs = append(errs, err)
			continue
		}
		detached++
	}

	if detached == 0 && len(errs) == 0 {
		r.logger.Info("endpoint not attached", zap.String("fqdn", fqdn))
		return nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logging.Success(r.logger, "endpoint detached", zap.String("fqdn", fqdn), zap.Int("entries", detached))
	return nil
}

// Refresh re-resolves every attached endpoint and moves the ones whose
// address changed. An endpoint that fails to resolve keeps its current
// redirect.
func (r *Redirector) Refresh(ctx context.Context) error {
	entries, invalid, err := r.store.Entries(ctx)
	if err != nil {
		return err
	}
	for _, line := range invalid {
		r.logger.Warn("skipping unparsable mountmap line", zap.String("line", line))
	}

	var errs []error
	moved := 0
	for _, entry := range entries {
		address, err := r.resolver.ResolveIPv4(ctx, entry.FQDN)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", entry.FQDN, err))
			continue
		}
		if address == entry.Address {
			continue
		}

		updated := mountmap.Entry{FQDN: entry.FQDN, Address: address, Target: entry.Target}
		if _, err := r.attach(ctx, updated); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", entry.FQDN, err))
			continue
		}
		moved++
	}

	r.logger.Info("refresh completed", zap.Int("entries", len(entries)), zap.Int("moved", moved), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// release deletes entry and then its rule, unless another entry still maps
// the same address to the same target.
func (r *Redirector) release(ctx context.Context, entry mountmap.Entry) error {
	if err := r.store.DeleteEntry(ctx, entry); err != nil {
		return err
	}

	remaining, _, err := r.store.Entries(ctx)
	if err != nil {
		return err
	}
	rule := ruleFor(entry)
	for _, other := range remaining {
		if ruleFor(other) == rule {
			r.logger.Debug("rule still referenced, keeping it",
				zap.String("rule", rule.Key()),
				zap.String("fqdn", other.FQDN),
			)
			return nil
		}
	}
	return r.rules.DeleteRule(rule)
}

func (r *Redirector) parseTarget(target string) (netip.Addr, error) {
	addr, err := r.validator.Parse(target)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("target %q: %w", target, err)
	}
	if r.opts.RequirePrivateTarget && !ipv4.IsPrivateAddr(addr) {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrTargetNotPrivate, addr)
	}
	return addr, nil
}

// lookup returns the entries for fqdn. Parsed entries carry normalized names.
func lookup(entries []mountmap.Entry, fqdn string) []mountmap.Entry {
	fqdn = mountmap.NormalizeFQDN(fqdn)
	var matches []mountmap.Entry
	for _, entry := range entries {
		if entry.FQDN == fqdn {
			matches = append(matches, entry)
		}
	}
	return matches
}

func ruleFor(entry mountmap.Entry) nat.Rule {
	return nat.Rule{Destination: entry.Address, Target: entry.Target}
}
