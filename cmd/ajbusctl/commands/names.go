package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type nameEntryResponse struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

func namesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "names",
		Short: "List all well-known and unique names in the name table",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp []nameEntryResponse
			if err := client.get("/v1/names", &resp); err != nil {
				return fmt.Errorf("list names: %w", err)
			}

			out, err := formatNames(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format names: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
