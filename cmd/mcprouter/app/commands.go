// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcprouter command-line
// application.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcprouter/mcprouter/pkg/config"
	"github.com/mcprouter/mcprouter/pkg/config/watcher"
	"github.com/mcprouter/mcprouter/pkg/logger"
	"github.com/mcprouter/mcprouter/pkg/monitor"
	"github.com/mcprouter/mcprouter/pkg/router/manager"
	"github.com/mcprouter/mcprouter/pkg/router/registry"
	"github.com/mcprouter/mcprouter/pkg/transport"
	"github.com/mcprouter/mcprouter/pkg/tunnel/ngrok"
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:               "mcprouter",
	DisableAutoGenTag: true,
	Short:             "MCP router - aggregate multiple MCP servers behind one endpoint",
	Long: `mcprouter connects to a set of MCP (Model Context Protocol) servers over
stdio or SSE and exposes their combined tools, prompts and resources through a
single SSE endpoint. Capability names are namespaced per backend so servers
never collide, configuration reloads take effect without a restart, and the
aggregate can optionally be shared publicly through an ngrok tunnel.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the mcprouter CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to router configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP router",
		Long: `Start the router: connect every configured backend, merge their
capabilities into one namespace and serve the aggregate over SSE. The
configuration file is watched for changes and the backend set is reconciled
on every valid update.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("mcprouter version: %s", getVersion())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the router configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity
- Backend server definitions (exactly one transport per server)
- Profile references
- Tunnel and remote source settings`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			logger.Infof("Validating configuration: %s", configPath)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Listen: %s:%d", cfg.Host, cfg.Port)
			logger.Infof("  Servers: %d defined", len(cfg.Servers))
			if len(cfg.Profiles) > 0 {
				logger.Infof("  Profiles: %d defined", len(cfg.Profiles))
			}
			if cfg.ActiveProfile != "" {
				logger.Infof("  Active profile: %s", cfg.ActiveProfile)
			}
			if cfg.Strict {
				logger.Infof("  Strict mode: capability collisions are errors")
			}
			if cfg.Tunnel != nil && cfg.Tunnel.Enabled {
				logger.Infof("  Tunnel: enabled")
			}
			return nil
		},
	}
}

// getVersion returns the version string (will be set at build time)
func getVersion() string {
	return "dev"
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")

	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	mon := monitor.NewPrometheusMonitor()
	reg := registry.New(cfg.Strict)
	mgr := manager.New(reg,
		manager.WithAccessMonitor(mon),
		manager.WithConnectTimeout(cfg.ConnectTimeout.Std()),
	)
	defer mgr.Shutdown()

	provider := config.NewProvider(cfg)

	specs, err := provider.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve active backends: %w", err)
	}
	logger.Infof("Connecting %d backends", len(specs))
	if err := mgr.Reconcile(ctx, specs); err != nil {
		return fmt.Errorf("failed to connect backends: %w", err)
	}

	srv := transport.NewServer(transport.Options{
		Host:              cfg.Host,
		Port:              cfg.Port,
		APIKey:            cfg.APIKey,
		QueueSize:         cfg.QueueSize,
		SessionTTL:        cfg.SessionTTL.Std(),
		KeepAliveInterval: cfg.KeepAliveInterval.Std(),
		MetricsHandler:    mon.Handler(),
	}, mgr)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Config updates swap the provider's document and reconcile the
	// backend set against the newly active specs.
	notifier := watcher.NewNotifier()
	notifier.Subscribe(func(updated *config.Config) error {
		provider.SetConfig(updated)
		active, err := provider.ListActive(ctx)
		if err != nil {
			return err
		}
		return mgr.Reconcile(ctx, active)
	})

	fileWatcher := watcher.NewFileWatcher(configPath, notifier)
	if err := fileWatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch configuration: %w", err)
	}
	defer fileWatcher.Stop()

	if cfg.RemoteSource != nil {
		remote := watcher.NewRemoteWatcher(cfg.RemoteSource.URL, cfg.RemoteSource.PollInterval.Std(), notifier)
		if err := remote.Start(ctx); err != nil {
			return fmt.Errorf("failed to start remote config poller: %w", err)
		}
		defer remote.Stop()
	}

	if cfg.Tunnel != nil && cfg.Tunnel.Enabled {
		tunnel, err := ngrok.NewTunnelProvider(ngrok.TunnelConfig{
			AuthToken: cfg.Tunnel.AuthToken,
			Domain:    cfg.Tunnel.Domain,
		})
		if err != nil {
			return fmt.Errorf("failed to create tunnel provider: %w", err)
		}
		publicURL, err := tunnel.Start(ctx, "http://"+srv.Addr())
		if err != nil {
			return fmt.Errorf("failed to start tunnel: %w", err)
		}
		logger.Infof("Router publicly reachable at %s", publicURL)
		defer func() {
			if err := tunnel.Stop(); err != nil {
				logger.Warnf("Error stopping tunnel: %v", err)
			}
		}()
	}

	logger.Infof("MCP router running at http://%s%s", srv.Addr(), transport.HTTPSSEEndpoint)

	// Block until a shutdown signal arrives.
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warnf("Error stopping server: %v", err)
	}
	return nil
}
