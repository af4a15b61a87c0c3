package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRoot constructs a root Cobra command for the Courier client.
// It registers the message command group and the stats command.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "courier",
		Short: "Courier client commands",
	}
	root.AddCommand(NewMessageCommand(baseURL))
	root.AddCommand(NewStatsCommand(baseURL))
	return root
}
