package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/site-media-pipeline/internal/boot"
	"github.com/fpang/site-media-pipeline/internal/config"
	"github.com/fpang/site-media-pipeline/internal/logging"
	"github.com/fpang/site-media-pipeline/internal/metrics"
)

// CLI flags
var (
	configFlag string
)

// rootCmd is the main Cobra command for the sitemedia CLI.
var rootCmd = &cobra.Command{
	Use:   "sitemedia",
	Short: "Ingest construction-site photos and match them to project sites",
	Long: `sitemedia pulls new photos from a media source, archives them, records
their capture metadata in the ledger and matches geotagged photos to the
nearest project site within its geofence.

Configuration is read from sitemedia.yaml (current directory or
$HOME/.config/sitemedia) and SITEMEDIA_* environment variables. A .env file
in the current directory is loaded first when present.

Examples:
  sitemedia ingest --container site-uploads/2024-05
  sitemedia ingest --match=false --workers 8 --metrics-file /var/lib/node_exporter/sitemedia.prom
  sitemedia match --force
  sitemedia stats
  sitemedia report ingest-3f9c2a7b1d4e6f80
  sitemedia sites list
  sitemedia sites import ./sites.yaml`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to a config file (default: sitemedia.yaml)")
	rootCmd.AddCommand(newIngestCmd(), newMatchCmd(), newStatsCmd(), newReportCmd(), newSitesCmd())
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session is one CLI invocation's wired pipeline.
type session struct {
	pipeline *boot.Pipeline
	registry *prometheus.Registry
}

// openSession loads settings, applies overrides and builds the pipeline.
func openSession(ctx context.Context, override func(*config.Settings)) (*session, error) {
	initStart := time.Now()

	settings, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(settings)
		if err := settings.Validate(); err != nil {
			return nil, err
		}
	}

	var clients *boot.AWSClients
	if settings.NeedsAWS() {
		if clients, err = boot.InitAWS(ctx); err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return nil, err
	}

	p, err := boot.Build(ctx, settings, clients, m)
	if err != nil {
		return nil, err
	}
	boot.StartupLog("sitemedia", settings, initStart).Log()
	return &session{pipeline: p, registry: registry}, nil
}

func (s *session) close() {
	if err := s.pipeline.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to release pipeline resources")
	}
}

// signalContext cancels on SIGINT or SIGTERM so in-flight items can finish.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
