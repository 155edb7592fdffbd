package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/site-media-pipeline/internal/config"
	"github.com/fpang/site-media-pipeline/internal/metrics"
	"github.com/fpang/site-media-pipeline/internal/pipeline"
	"github.com/fpang/site-media-pipeline/internal/store"
)

func newIngestCmd() *cobra.Command {
	var (
		container   string
		matchAfter  bool
		workers     int
		metricsFile string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest new media from the source and optionally match it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := openSession(ctx, func(settings *config.Settings) {
				if cmd.Flags().Changed("container") {
					settings.Source.Container = container
				}
				if cmd.Flags().Changed("match") {
					settings.Ingest.MatchAfter = matchAfter
				}
				if cmd.Flags().Changed("workers") {
					settings.Ingest.Workers = workers
				}
			})
			if err != nil {
				return err
			}
			defer s.close()

			settings := s.pipeline.Settings
			outcome, runErr := s.pipeline.Coordinator.Ingest(ctx, settings.Source.Container, settings.Ingest.MatchAfter)

			if metricsFile != "" {
				if err := metrics.WriteTextfile(s.registry, metricsFile); err != nil {
					log.Warn().Err(err).Str("path", metricsFile).Msg("Failed to write metrics textfile")
				}
			}
			if outcome != nil {
				if err := printJSON(outcome); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&container, "container", "", "Container (key prefix) to ingest from (default: source.container)")
	cmd.Flags().BoolVar(&matchAfter, "match", true, "Run geolocation matching after ingestion (default: ingest.matchAfter)")
	cmd.Flags().IntVarP(&workers, "workers", "w", pipeline.DefaultWorkers, "Concurrent items in flight (default: ingest.workers)")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after the run")
	return cmd
}

func newMatchCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match unmatched geotagged media to project sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := openSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.close()

			result, runErr := s.pipeline.Coordinator.Match(ctx, pipeline.MatchOptions{Force: force})
			if result != nil {
				if err := printJSON(result); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Re-evaluate every record, including already matched ones")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate ledger statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := openSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.close()

			stats, err := s.pipeline.Coordinator.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <runId>",
		Short: "Print the stored report of an ingestion or matching run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := openSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.close()

			if s.pipeline.Reports == nil {
				return errors.New("report requires reports.url")
			}
			var report json.RawMessage
			if err := s.pipeline.Reports.ReadRun(ctx, args[0], &report); err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func newSitesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Inspect or load the project site directory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List project sites with their effective geofence radius",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := openSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.close()

			sites, err := s.pipeline.Sites.ListSites(ctx)
			if err != nil {
				return err
			}
			return printJSON(sites)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Load sites from a YAML file into the sql site directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := openSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.close()

			dir, ok := s.pipeline.Sites.(*store.SQLSiteDirectory)
			if !ok {
				return errors.New("sites import requires sites.backend sql")
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read sites file: %w", err)
			}
			// Sites without a radius stay NULL and follow sites.defaultRadiusMeters.
			sites, err := store.DecodeSites(data)
			if err != nil {
				return err
			}
			if err := dir.Save(ctx, sites); err != nil {
				return err
			}
			log.Info().Int("siteCount", len(sites)).Str("file", args[0]).Msg("Sites imported")
			return nil
		},
	})
	return cmd
}
