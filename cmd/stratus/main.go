package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratusops/stratus/internal/config"
	"github.com/stratusops/stratus/internal/engine"
	"github.com/stratusops/stratus/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:     "stratus",
	Short:   "Stratus - autonomous cloud incident response engine",
	Long:    `Stratus correlates cloud telemetry, diagnoses root causes, and gates automated remediation behind a safety layer.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Stratus %s\n", Version)
		fmt.Printf("  built:  %s\n", BuildTime)
		fmt.Printf("  commit: %s\n", GitCommit)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		fmt.Printf("region:               %s\n", cfg.Region)
		fmt.Printf("data dir:             %s\n", cfg.DataDir)
		fmt.Printf("detect ttl:           %ds\n", cfg.DetectTTLSeconds)
		fmt.Printf("heartbeat interval:   %ds\n", cfg.HeartbeatInterval)
		fmt.Printf("listen addr:          %s\n", cfg.ListenAddr)
		fmt.Printf("metrics addr:         %s\n", cfg.MetricsAddr)
		return nil
	},
}

var incidentFlags struct {
	server   string
	services []string
	execute  bool
	dryRun   bool
	force    bool
	lookback int
}

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Trigger a manual incident pipeline on a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]interface{}{
			"services":         incidentFlags.services,
			"auto_execute":     incidentFlags.execute,
			"dry_run":          incidentFlags.dryRun,
			"force":            incidentFlags.force,
			"lookback_minutes": incidentFlags.lookback,
		})
		if err != nil {
			return err
		}
		resp, err := http.Post(incidentFlags.server+"/incidents", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("trigger incident: %w", err)
		}
		defer resp.Body.Close()
		out, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, out)
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to an optional .env file")
	incidentCmd.Flags().StringVar(&incidentFlags.server, "server", "http://127.0.0.1:8787", "address of the running server")
	incidentCmd.Flags().StringSliceVar(&incidentFlags.services, "services", nil, "services to scope collection to")
	incidentCmd.Flags().BoolVar(&incidentFlags.execute, "execute", false, "allow automatic remediation")
	incidentCmd.Flags().BoolVar(&incidentFlags.dryRun, "dry-run", false, "preview actions without executing")
	incidentCmd.Flags().BoolVar(&incidentFlags.force, "force", false, "bypass cooldowns and open breakers")
	incidentCmd.Flags().IntVar(&incidentFlags.lookback, "lookback", 0, "collection lookback in minutes")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(incidentCmd)
}

func runServer() error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Setup(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	sys, err := engine.NewSystem(cfg, engine.Options{})
	if err != nil {
		return fmt.Errorf("assemble system: %w", err)
	}

	// Re-apply tunables when the .env file changes on disk.
	watcher, err := config.NewWatcher(cfg, envFile, func(updated *config.Config) {
		logging.Setup(updated.LogLevel)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, changes require a restart")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config watcher failed to start, changes require a restart")
	} else {
		defer watcher.Stop()
	}

	sys.Start()
	log.Info().
		Str("version", Version).
		Str("region", cfg.Region).
		Str("addr", cfg.ListenAddr).
		Msg("Stratus running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sys.Stop(ctx)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
