package server

import (
	"context"
	"fmt"
	"time"

	"github.com/easzlab/blobnfs/pkg/config"
	"github.com/easzlab/blobnfs/pkg/healthcheck"
	"github.com/easzlab/blobnfs/pkg/ipv4"
	"github.com/easzlab/blobnfs/pkg/logging"
	"github.com/easzlab/blobnfs/pkg/mountmap"
	"github.com/easzlab/blobnfs/pkg/nat"
	"github.com/easzlab/blobnfs/pkg/redirect"
	"github.com/easzlab/blobnfs/pkg/resolver"
	"go.uber.org/zap"
)

// Server wires the resolver, mountmap and NAT manager together and runs the
// reconcile loop.
type Server struct {
	configMgr  *config.Manager
	log        *logging.Logger
	store      *mountmap.Store
	rules      nat.Manager
	redirector *redirect.Redirector
	reconciler *redirect.Reconciler
	logger     *zap.Logger
}

// NewServer builds every component from the current configuration.
func NewServer(configMgr *config.Manager, log *logging.Logger) (*Server, error) {
	cfg := configMgr.GetConfig()
	logger := log.Logger

	res, err := resolver.NewDNSResolver(resolver.Options{
		Servers:    cfg.DNS.Servers,
		ResolvConf: cfg.DNS.ResolvConf,
		Timeout:    cfg.DNS.GetTimeout(),
	}, ipv4.Default(), logger.Named("resolver"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	rules, err := nat.NewManager(nat.Options{
		Chain:       cfg.NAT.GetChain(),
		WaitSeconds: cfg.NAT.GetWaitSeconds(),
	}, logger.Named("nat"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize NAT manager: %w", err)
	}

	return newServerWithDeps(configMgr, log, res, rules), nil
}

// newServerWithDeps initializes a Server with a pre-created resolver and NAT
// manager. This allows tests to inject fakes.
func newServerWithDeps(configMgr *config.Manager, log *logging.Logger, res resolver.Resolver, rules nat.Manager) *Server {
	cfg := configMgr.GetConfig()
	logger := log.Logger

	store := mountmap.NewStore(mountmap.Options{
		Path:        cfg.Paths.GetMountmapFile(),
		Immutable:   cfg.Mountmap.IsImmutable(),
		LockTimeout: cfg.Mountmap.GetLockTimeout(),
	}, logger.Named("mountmap"))

	return &Server{
		configMgr: configMgr,
		log:       log,
		store:     store,
		rules:     rules,
		redirector: redirect.NewRedirector(res, store, rules, ipv4.Default(), redirect.Options{
			RequirePrivateTarget: cfg.Redirect.IsPrivateTargetRequired(),
			TargetPort:           uint16(cfg.Redirect.CheckTargetPort),
			Checker:              healthcheck.NewTCPChecker(cfg.Redirect.GetCheckTimeout()),
		}, logger.Named("redirect")),
		reconciler: redirect.NewReconciler(store, rules, logger.Named("reconciler")),
		logger:     logger,
	}
}

// Redirector returns the attach/detach/refresh front end.
func (s *Server) Redirector() *redirect.Redirector {
	return s.redirector
}

// Store returns the mountmap store.
func (s *Server) Store() *mountmap.Store {
	return s.store
}

// Run starts the server in daemon mode: performs initial reconcile, starts
// config and mountmap watching, then enters the main event loop until
// context is cancelled. Endpoints are re-resolved on every interval tick.
func (s *Server) Run(ctx context.Context) error {
	// Perform initial reconcile
	if err := s.reconciler.Reconcile(ctx); err != nil {
		s.logger.Error("initial reconcile failed", zap.Error(err))
	}

	changes, err := s.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch mountmap: %w", err)
	}

	// Start config file watching
	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	interval := s.configMgr.GetConfig().Reconcile.GetInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Main event loop
	s.logger.Info("server started, entering main loop", zap.Duration("interval", interval))
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.logger.Debug("mountmap change detected, triggering reconcile")
			if err := s.reconciler.Reconcile(ctx); err != nil {
				s.logger.Error("reconcile after mountmap change failed", zap.Error(err))
			}

		case <-s.configMgr.OnChange():
			newCfg := s.configMgr.GetConfig()
			s.log.SetVerbose(newCfg.Global.Verbose)
			if next := newCfg.Reconcile.GetInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
			s.logger.Info("config change applied; path, dns and nat settings take effect on restart",
				zap.Bool("verbose", newCfg.Global.Verbose),
				zap.Duration("interval", interval),
			)
			if err := s.reconciler.Reconcile(ctx); err != nil {
				s.logger.Error("reconcile after config change failed", zap.Error(err))
			}

		case <-ticker.C:
			if err := s.redirector.Refresh(ctx); err != nil {
				s.logger.Error("periodic refresh failed", zap.Error(err))
			}
			if err := s.reconciler.Reconcile(ctx); err != nil {
				s.logger.Error("periodic reconcile failed", zap.Error(err))
			}

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			return nil
		}
	}
}

// RunOnce performs a single reconcile pass.
// This is used for manual one-shot reconciliation (e.g., via CLI or cron).
func (s *Server) RunOnce(ctx context.Context) error {
	if err := s.reconciler.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	return nil
}
