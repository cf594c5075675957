package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type endpointResponse struct {
	ID         uint64 `json:"id"`
	Kind       string `json:"kind"`
	UniqueName string `json:"unique_name"`
	RemoteGUID string `json:"remote_guid,omitempty"`
	KAState    string `json:"keepalive_state"`
}

func endpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List all connected endpoints",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp []endpointResponse
			if err := client.get("/v1/endpoints", &resp); err != nil {
				return fmt.Errorf("list endpoints: %w", err)
			}

			out, err := formatEndpoints(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format endpoints: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
