package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shortontech/clickgate/internal/learning"
	"github.com/shortontech/clickgate/internal/metrics"
	"github.com/shortontech/clickgate/internal/store"
	"github.com/shortontech/clickgate/pkg/config"
)

func newConsolidateCmd() *cobra.Command {
	var (
		insights bool
		window   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run one learning window over the raw behavioral patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()

			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			c := learning.NewConsolidator(b.patterns, b.learning, learning.Config{Window: window}, metrics.InitMetrics(), logger)
			w, err := c.Run(ctx, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("consolidation: %w", err)
			}
			if err := printWindow(cmd.OutOrStdout(), w); err != nil {
				return err
			}
			if !insights {
				return nil
			}
			in, err := learning.LoadInsights(ctx, b.learning)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), in)
		},
	}
	cmd.Flags().BoolVar(&insights, "insights", false, "print a learned-pattern summary after the run")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "how far back the window reaches")
	return cmd
}

func printWindow(w io.Writer, lw store.LearningWindow) error {
	_, err := fmt.Fprintf(w, "window %s %s: processed=%d consolidated=%d discarded=%d\n",
		lw.ID, lw.Status, lw.Processed, lw.Consolidated, lw.Discarded)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
