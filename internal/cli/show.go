package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dex-sonar/internal/app"
)

var (
	showLimit int
	showPool  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently delivered alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Pool:  showPool,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showPool, "pool", "", "Only show alerts of this pool")
}
