package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"stockwatcher/internal/crawler"
	"stockwatcher/internal/model"
	"stockwatcher/internal/pkg/logger"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check [url...]",
	Short: "Checks every target (or the given URLs) once and prints the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if targets := targetsFromArgs(args); len(targets) > 0 {
			cfg.Targets = targets
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		appLogger := logger.New(os.Stderr, cfg.App.LogLevel)
		service, err := crawler.NewService(cmd.Context(), cfg, appLogger)
		if err != nil {
			return fmt.Errorf("init crawler service: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = service.Shutdown(ctx)
		}()

		observations := make([]model.Observation, 0, len(cfg.Targets))
		for _, target := range cfg.Targets {
			observations = append(observations, service.Check(cmd.Context(), target))
		}
		renderObservations(cmd.OutOrStdout(), observations)
		return nil
	},
}

func targetsFromArgs(args []string) []model.Target {
	targets := make([]model.Target, 0, len(args))
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			targets = append(targets, model.Target{URL: a})
		}
	}
	return targets
}

func renderObservations(out io.Writer, observations []model.Observation) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Target", "Availability", "Title", "Duration", "Error"})

	for _, obs := range observations {
		errText := ""
		if obs.Err != nil {
			errText = obs.Err.Error()
		}
		t.AppendRow(table.Row{
			obs.Target.DisplayName(),
			obs.Availability.String(),
			obs.Title,
			obs.Duration.Round(time.Millisecond).String(),
			errText,
		})
	}

	t.SetStyle(table.StyleRounded)
	t.Render()
}
