package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chronicles/internal/wire"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether a chroniclesd node is reachable and healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := dial(cmd, &wire.Request{
				Operation: int32(wire.OperationHealth),
			})
			if err != nil {
				return err
			}
			h := res.Health
			fmt.Fprintf(cmd.OutOrStdout(), "ok=%t %s\n", h.Ok, h.Message)
			if !h.Ok {
				os.Exit(1)
			}
			return nil
		},
	}
	return cmd
}
