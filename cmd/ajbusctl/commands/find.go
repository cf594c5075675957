package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type findRequest struct {
	Prefix string `json:"prefix"`
}

func findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <prefix>",
		Short: "Start discovery for advertised names matching a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := findRequest{Prefix: args[0]}

			if err := client.post("/v1/find", req); err != nil {
				return fmt.Errorf("find: %w", err)
			}

			fmt.Printf("Finding %q.\n", args[0])

			return nil
		},
	}
}
