package commands

import (
	"context"
	"fmt"
	"os"

	"stockwatcher/internal/config"

	"github.com/spf13/cobra"
)

var configPath *string

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "", "Path to the JSON config file (default configs/config.json).")
}

var rootCmd = &cobra.Command{
	Use:   "stockwatcher",
	Short: "stockwatcher polls product pages in a headless browser and alerts when stock appears.",
	// 单独运行时等同于 run
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd.Context())
	},
	SilenceUsage: true,
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
