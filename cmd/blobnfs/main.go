package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/blobnfs/pkg/config"
	"github.com/easzlab/blobnfs/pkg/ipv4"
	"github.com/easzlab/blobnfs/pkg/layout"
	"github.com/easzlab/blobnfs/pkg/logging"
	"github.com/easzlab/blobnfs/pkg/resolver"
	"github.com/easzlab/blobnfs/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version    = "dev"
	configPath string
	verbose    bool
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "blobnfs",
		Short:        "blobnfs - NFS mount redirector for blob storage endpoints",
		Long:         "Resolves storage endpoints, records them in the mountmap and redirects their traffic with iptables DNAT rules.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/blobnfs/blobnfs.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newCheckIPCommand())
	rootCmd.AddCommand(newAttachCommand())
	rootCmd.AddCommand(newDetachCommand())
	rootCmd.AddCommand(newRefreshCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <fqdn>",
		Short: "Resolve an endpoint to its single IPv4 address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configMgr, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg := configMgr.GetConfig()
			res, err := resolver.NewDNSResolver(resolver.Options{
				Servers:    cfg.DNS.Servers,
				ResolvConf: cfg.DNS.ResolvConf,
				Timeout:    cfg.DNS.GetTimeout(),
			}, ipv4.Default(), log.Named("resolver"))
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(log.Logger)
			defer cancel()

			addr, err := res.ResolveIPv4(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr)
			return nil
		},
	}
}

func newCheckIPCommand() *cobra.Command {
	var prefix, private bool

	cmd := &cobra.Command{
		Use:   "check-ip <address>",
		Short: "Check an IPv4 address, prefix or private address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator := ipv4.Default()
			input := args[0]

			var ok bool
			switch {
			case prefix:
				ok = validator.IsValidPrefix(input)
			case private:
				ok = validator.IsPrivate(input)
			default:
				ok = validator.IsValidAddress(input)
			}
			if !ok {
				return fmt.Errorf("%w: %q", ipv4.ErrInvalidAddress, input)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", input)
			return nil
		},
	}

	cmd.Flags().BoolVar(&prefix, "prefix", false, "accept a leading part of an address, e.g. 10.1")
	cmd.Flags().BoolVar(&private, "private", false, "require an RFC 1918 address")
	cmd.MarkFlagsMutuallyExclusive("prefix", "private")
	return cmd
}

func newAttachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <fqdn> <target>",
		Short: "Record an endpoint and redirect its address to target",
		Args:  cobra.ExactArgs(2),
		RunE: withServer(func(ctx context.Context, cmd *cobra.Command, srv *server.Server, args []string) error {
			entry, err := srv.Redirector().Attach(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry)
			return nil
		}),
	}
}

func newDetachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <fqdn> [target]",
		Short: "Remove an endpoint and the rules only it needed",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withServer(func(ctx context.Context, cmd *cobra.Command, srv *server.Server, args []string) error {
			target := ""
			if len(args) == 2 {
				target = args[1]
			}
			return srv.Redirector().Detach(ctx, args[0], target)
		}),
	}
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-resolve every endpoint and move redirects whose address changed",
		Args:  cobra.NoArgs,
		RunE: withServer(func(ctx context.Context, _ *cobra.Command, srv *server.Server, _ []string) error {
			return srv.Redirector().Refresh(ctx)
		}),
	}
}

func newReconcileCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Bring the NAT table in line with the mountmap",
		Args:  cobra.NoArgs,
		RunE: withServer(func(ctx context.Context, _ *cobra.Command, srv *server.Server, _ []string) error {
			if watch {
				return srv.Run(ctx)
			}
			return srv.RunOnce(ctx)
		}),
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and reconcile on every change")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the mountmap entries",
		Args:  cobra.NoArgs,
		RunE: withServer(func(ctx context.Context, cmd *cobra.Command, srv *server.Server, _ []string) error {
			entries, invalid, err := srv.Store().Entries(ctx)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), entry)
			}
			for _, line := range invalid {
				fmt.Fprintf(cmd.ErrOrStderr(), "invalid: %s\n", line)
			}
			return nil
		}),
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "blobnfs version %s\n", version)
		},
	}
}

type serverFunc func(ctx context.Context, cmd *cobra.Command, srv *server.Server, args []string) error

// withServer bootstraps config, layout and logging, builds the server and
// runs fn with a context cancelled on SIGINT or SIGTERM.
func withServer(fn serverFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		configMgr, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer log.Sync()

		log.Debug("running command",
			zap.String("command", cmd.Name()),
			zap.Strings("args", args),
			zap.String("version", version),
			zap.String("config", configPath),
		)

		srv, err := server.NewServer(configMgr, log)
		if err != nil {
			log.Error("failed to create server", zap.Error(err))
			return err
		}

		ctx, cancel := signalContext(log.Logger)
		defer cancel()

		if configMgr.GetConfig().Mountmap.IsImmutable() {
			if err := srv.Store().Protect(ctx); err != nil {
				log.Warn("failed to mark mountmap immutable", zap.Error(err))
			}
		}

		if err := fn(ctx, cmd, srv, args); err != nil {
			log.Error("command failed", zap.String("command", cmd.Name()), zap.Error(err))
			return err
		}
		return nil
	}
}

// bootstrap loads the configuration, creates the on-disk layout and opens
// the log. A layout failure is fatal to every command.
func bootstrap() (*config.Manager, *logging.Logger, error) {
	configMgr, err := config.NewManager(configPath, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	cfg := configMgr.GetConfig()

	logOpts := logging.Options{
		File:       cfg.Paths.GetLogFile(),
		Verbose:    verbose || cfg.Global.Verbose,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}

	if err := layout.Ensure(layout.Paths{
		Dir:          cfg.Paths.Dir,
		LogFile:      cfg.Paths.GetLogFile(),
		MountmapFile: cfg.Paths.GetMountmapFile(),
	}); err != nil {
		log := logging.New(logOpts)
		log.Error("failed to initialize application directory", zap.Error(err))
		log.Sync()
		return nil, nil, err
	}

	log := logging.New(logOpts)
	if verbose {
		log.PinVerbose()
	}
	configMgr.SetLogger(log.Named("config"))

	return configMgr, log, nil
}

func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-signalChan:
			logger.Info("received signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signalChan)
	}()

	return ctx, cancel
}
