package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/logging"
	"github.com/logwarden/logwarden/internal/monitor"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "logwarden",
	Short:   "logwarden - real-time log ingestion and distribution engine",
	Long:    `logwarden tails log files, scores entries through a prioritized analysis pipeline, and streams security events to websocket subscribers.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("logwarden %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var hashpwCmd = &cobra.Command{
	Use:   "hashpw",
	Short: "Hash a password for manual account setup",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		if err := auth.ValidatePasswordComplexity(string(raw)); err != nil {
			return err
		}
		hash, err := auth.HashPassword(string(raw))
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashpwCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
	})
	log.Info().Str("version", Version).Str("dataDir", cfg.DataDir).Msg("Starting logwarden")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Cannot create data directory")
	}

	m, err := monitor.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}
