package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"chronicles/internal/wire"
)

func newStreamCommand() *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Stream inspection commands"}
	streamCmd.AddCommand(newStreamInfoCommand(), newStreamReadCommand())
	return streamCmd
}

func newStreamInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <stream>",
		Short: "Report a stream's tail position and end-of-stream state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := dial(cmd, &wire.Request{
				Operation: int32(wire.OperationReadStreamForward),
				ReadStream: &wire.ReadStreamRequest{
					Stream: args[0],
					From:   0,
					Count:  0,
				},
			})
			if err != nil {
				return err
			}
			rs := res.ReadStream
			fmt.Fprintf(cmd.OutOrStdout(), "stream=%s next_event_number=%d tail_at_read=%d is_end_of_stream=%t\n",
				args[0], rs.NextEventNumber, rs.TailAtRead, rs.IsEndOfStream)
			return nil
		},
	}
	return cmd
}

func newStreamReadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <stream>",
		Short: "Read a range of events from a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetInt64("from")
			count, _ := cmd.Flags().GetInt32("count")
			backward, _ := cmd.Flags().GetBool("backward")
			resolveLinks, _ := cmd.Flags().GetBool("resolve-links")

			op := wire.OperationReadStreamForward
			if backward {
				op = wire.OperationReadStreamBackward
			}
			res, err := dial(cmd, &wire.Request{
				Operation: int32(op),
				ReadStream: &wire.ReadStreamRequest{
					Stream:       args[0],
					From:         from,
					Count:        count,
					ResolveLinks: resolveLinks,
				},
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, ev := range res.ReadStream.Events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64("from", 0, "first event number to read")
	cmd.Flags().Int32("count", 100, "maximum number of events to return")
	cmd.Flags().Bool("backward", false, "read backward instead of forward")
	cmd.Flags().Bool("resolve-links", false, "resolve link events to their target")
	return cmd
}
