package cli

import (
	"github.com/spf13/cobra"
)

var pauseReason string

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause processing on every instance sharing the Redis switch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetPaused(cmd.Context(), true, pauseReason)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume processing after a pause",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetPaused(cmd.Context(), false, "")
	},
}

func init() {
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "", "Why processing is paused, shown in the logs of every instance")
}
