package cli

import (
	"github.com/spf13/cobra"
)

var upcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "Display the next races and their analysis window state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Upcoming(cmd.Context())
	},
}
