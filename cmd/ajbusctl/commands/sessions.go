package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type sessionResponse struct {
	ID      uint32   `json:"id"`
	Host    string   `json:"host"`
	Port    uint16   `json:"port"`
	Binder  uint64   `json:"binder"`
	Members []uint64 `json:"members"`
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List all active AllJoyn sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp []sessionResponse
			if err := client.get("/v1/sessions", &resp); err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out, err := formatSessions(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
