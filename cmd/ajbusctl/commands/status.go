package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type statusResponse struct {
	GUID                     string `json:"guid"`
	UptimeSeconds            int64  `json:"uptime_seconds"`
	IncompleteConnections    int    `json:"incomplete_connections"`
	AuthenticatedConnections int    `json:"authenticated_connections"`
	NameCount                int    `json:"name_count"`
	SessionCount             int    `json:"session_count"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's bus GUID, uptime and connection counts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp statusResponse
			if err := client.get("/v1/status", &resp); err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			out, err := formatStatus(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
