// Package main provides the CLI entry point for the Veksel proxy client.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/veksel-project/veksel/internal/config"
	"github.com/veksel-project/veksel/internal/listener"
	"github.com/veksel-project/veksel/internal/logging"
	"github.com/veksel-project/veksel/internal/metrics"
	"github.com/veksel-project/veksel/internal/resolver"
	"github.com/veksel-project/veksel/internal/tunnel"
	"github.com/veksel-project/veksel/internal/wizard"
	"golang.org/x/term"
)

// Version is set at build time via ldflags.
var Version = "dev"

const defaultConfigPath = "veksel.yaml"

func main() {
	rootCmd := &cobra.Command{
		Use:   "veksel",
		Short: "Veksel - SOCKS5 client for obfuscated relay servers",
		Long: `Veksel is a local SOCKS5 proxy client. It accepts SOCKS5 clients on a
loopback listener and forwards their TCP traffic through a remote relay
server over an encrypted, traffic-shaped session - optionally framed
inside TLS, WebSocket or QUIC.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
			})

			env := &tunnel.Env{
				Config:   cfg,
				Registry: tunnel.NewRegistry(),
				Metrics:  metrics.Default(),
				Log:      log,
				Resolver: resolver.New(resolver.Config{
					Servers: cfg.DNS.Servers,
					Timeout: cfg.DNS.Timeout,
				}),
				Policy: tunnel.RulesetPolicy{},
			}

			srv := listener.NewServer(env)
			if err := srv.Start(); err != nil {
				return err
			}

			if cfg.Metrics.Address != "" {
				go func() {
					if err := metrics.Serve(cfg.Metrics.Address); err != nil {
						log.Error("metrics endpoint failed", logging.KeyError, err)
					}
				}()
				log.Info("metrics endpoint", logging.KeyAddress, cfg.Metrics.Address)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Info("shutting down")
			if err := srv.Stop(); err != nil {
				log.Error("shutdown error", logging.KeyError, err)
			}

			log.Info("traffic totals",
				"up", humanize.Bytes(env.BytesUp.Load()),
				"down", humanize.Bytes(env.BytesDown.Load()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	return cmd
}

func setupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("setup requires an interactive terminal")
			}
			_, err := wizard.Run(configPath)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "where to write the configuration")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [config]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Printf("%s: configuration OK (relay %s over %s)\n", path, cfg.RelayAddr(), cfg.Relay.Transport)
			return nil
		},
	}
}
