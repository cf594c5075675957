package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type advertiseRequest struct {
	Name       string `json:"name"`
	Transports uint16 `json:"transports"`
	Quiet      bool   `json:"quiet"`
}

func advertiseCmd() *cobra.Command {
	var (
		transports uint16
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "advertise <name>",
		Short: "Advertise a well-known name over the configured transports",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := advertiseRequest{
				Name:       args[0],
				Transports: transports,
				Quiet:      quiet,
			}

			if err := client.post("/v1/advertise", req); err != nil {
				return fmt.Errorf("advertise: %w", err)
			}

			fmt.Printf("Advertising %q.\n", args[0])

			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint16Var(&transports, "transports", 4, "transport bitmask (2=local, 4=TCP, 8=UDP)")
	flags.BoolVar(&quiet, "quiet", false, "record the advertisement as quiet in the router's registry; the name service still announces it gratuitously")

	return cmd
}
