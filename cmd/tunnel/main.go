//go:build linux

// Package main is the tunnel CLI: a thin cobra wrapper that loads
// configuration, builds a server.Server for the requested role, and runs
// it until an interrupt or SIGTERM arrives, following the shutdown
// wiring shadowmesh-daemon uses (context cancellation plus a signal
// channel) but routed through cobra subcommands instead of a single
// positional config-file argument.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ir-tunnel/ir/config"
	"github.com/ir-tunnel/ir/internal/obslog"
	"github.com/ir-tunnel/ir/server"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:     "ir-tunnel",
		Short:   "Transparent encrypted TCP/UDP tunnel",
		Version: version,
	}

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file (required)")
	root.MarkPersistentFlagRequired("config")

	root.AddCommand(newRoleCommand("local", &configPath))
	root.AddCommand(newRoleCommand("remote", &configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRoleCommand(role string, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   role,
		Short: fmt.Sprintf("run the %s role", role),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(role, *configPath)
		},
	}
}

func runRole(role, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Role = role

	level := obslog.Info
	if cfg.Logging.Level == "debug" {
		level = obslog.Debug
	}
	log, err := obslog.New("tunnel-"+role, level, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	var srv *server.Server
	switch role {
	case "local":
		srv, err = server.NewLocal(cfg, log)
	case "remote":
		srv, err = server.NewRemote(cfg, log)
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if err != nil {
		return fmt.Errorf("build %s server: %w", role, err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	log.Info("tunnel starting", obslog.Fields{"role": role, "version": version})
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("run %s server: %w", role, err)
	}
	log.Info("tunnel stopped")
	return nil
}
