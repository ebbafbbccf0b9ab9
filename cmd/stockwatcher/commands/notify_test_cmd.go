package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"stockwatcher/internal/config"
	"stockwatcher/internal/model"
	"stockwatcher/internal/pkg/logger"
	"stockwatcher/internal/pkg/notify"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(notifyTestCmd)
}

var notifyTestCmd = &cobra.Command{
	Use:   "notify-test",
	Short: "Sends one test alert through every configured notifier.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		appLogger := logger.New(os.Stderr, cfg.App.LogLevel)

		notifier, err := notify.FromConfig(cfg, appLogger)
		if err != nil {
			return fmt.Errorf("init notifiers: %w", err)
		}
		if notifier.Len() == 0 {
			return errors.New("no notifier configured")
		}
		if err := notifier.Send(cmd.Context(), testAlert(cfg, time.Now())); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "test alert sent via %v\n", notifier.Names())
		return nil
	},
}

func testAlert(cfg *config.Config, now time.Time) model.Alert {
	alert := model.Alert{
		TargetName: "stockwatcher",
		Title:      "Watcher Test",
		Message:    "Notification channel works.",
		DetectedAt: now,
	}
	if len(cfg.Targets) > 0 {
		alert.TargetName = cfg.Targets[0].DisplayName()
		alert.URL = cfg.Targets[0].URL
	}
	return alert
}
