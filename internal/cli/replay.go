package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dex-sonar/internal/app"
)

var (
	replayPool      string
	replayNotify    bool
	replayPNGPath   string
	replayCSVPath   string
	replayMaxPoints int
)

var replayCmd = &cobra.Command{
	Use:   "replay <trades.csv>",
	Short: "Run a trades file through the detector offline and print the matches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayMaxPoints < 0 {
			return fmt.Errorf("--max-points cannot be negative")
		}

		opts := app.ReplayOptions{
			Path:      args[0],
			Pool:      replayPool,
			Notify:    replayNotify,
			CSVPath:   replayCSVPath,
			PNGPath:   replayPNGPath,
			MaxPoints: replayMaxPoints,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayPool, "pool", "", "Only replay trades of this pool")
	replayCmd.Flags().BoolVar(&replayNotify, "notify", false, "Send the matches through the configured alert channels")
	replayCmd.Flags().StringVar(&replayPNGPath, "png", "", "Path to write a PNG chart of the series")
	replayCmd.Flags().StringVar(&replayCSVPath, "csv", "", "Path to write the series as CSV")
	replayCmd.Flags().IntVar(&replayMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
