package cli

import (
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Validate and list the configured pattern rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rules(cmd.Context())
	},
}
