package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chronicles/internal/wire"
)

// newSubscriptionsCommand exposes the persistent-subscription group
// lifecycle (create/update/delete) plus ack/nack against a connected
// consumer. There is no server-side enumeration of groups or their
// pending events over the wire protocol, so a "list" subcommand is not
// offered here.
func newSubscriptionsCommand() *cobra.Command {
	subsCmd := &cobra.Command{Use: "subscriptions", Short: "Manage persistent consumer groups"}
	subsCmd.AddCommand(
		newSubscriptionsCreateCommand(),
		newSubscriptionsUpdateCommand(),
		newSubscriptionsDeleteCommand(),
		newSubscriptionsAckCommand(),
		newSubscriptionsNackCommand(),
	)
	return subsCmd
}

func addSubscriptionSettingsFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("start-from", -2, "event number to start from, or -2 for live")
	cmd.Flags().Bool("resolve-links", false, "resolve link events to their target")
	cmd.Flags().Int64("message-timeout-ms", 30000, "milliseconds before an unacked dispatch is retried")
	cmd.Flags().Int32("max-retries", 10, "retries before an event is parked")
	cmd.Flags().Int32("live-buffer-size", 500, "per-consumer live dispatch buffer size")
	cmd.Flags().Int32("read-batch-size", 20, "events read from the log per catch-up batch")
	cmd.Flags().Int32("history-buffer-size", 20, "buffered not-yet-dispatched events held in memory")
	cmd.Flags().Int64("checkpoint-after-ms", 2000, "milliseconds between checkpoint writes")
	cmd.Flags().Int32("min-checkpoint-count", 10, "minimum settled events before a checkpoint is written")
	cmd.Flags().Int32("max-checkpoint-count", 1000, "maximum settled events buffered before a checkpoint is forced")
	cmd.Flags().Int32("max-subscribers", 0, "maximum connected consumers, or 0 for unlimited")
	cmd.Flags().String("strategy", "round_robin", "round_robin, dispatch_to_single, or pinned")
}

func subscriptionSettingsFromFlags(cmd *cobra.Command) *wire.SubscriptionSettingsMessage {
	startFrom, _ := cmd.Flags().GetInt64("start-from")
	resolveLinks, _ := cmd.Flags().GetBool("resolve-links")
	messageTimeoutMs, _ := cmd.Flags().GetInt64("message-timeout-ms")
	maxRetries, _ := cmd.Flags().GetInt32("max-retries")
	liveBufferSize, _ := cmd.Flags().GetInt32("live-buffer-size")
	readBatchSize, _ := cmd.Flags().GetInt32("read-batch-size")
	historyBufferSize, _ := cmd.Flags().GetInt32("history-buffer-size")
	checkpointAfterMs, _ := cmd.Flags().GetInt64("checkpoint-after-ms")
	minCheckpointCount, _ := cmd.Flags().GetInt32("min-checkpoint-count")
	maxCheckpointCount, _ := cmd.Flags().GetInt32("max-checkpoint-count")
	maxSubscribers, _ := cmd.Flags().GetInt32("max-subscribers")
	strategy, _ := cmd.Flags().GetString("strategy")
	return &wire.SubscriptionSettingsMessage{
		StartFrom:          startFrom,
		ResolveLinks:       resolveLinks,
		MessageTimeoutMs:   messageTimeoutMs,
		MaxRetries:         maxRetries,
		LiveBufferSize:     liveBufferSize,
		ReadBatchSize:      readBatchSize,
		HistoryBufferSize:  historyBufferSize,
		CheckpointAfterMs:  checkpointAfterMs,
		MinCheckpointCount: minCheckpointCount,
		MaxCheckpointCount: maxCheckpointCount,
		MaxSubscribers:     maxSubscribers,
		Strategy:           strategy,
	}
}

func newSubscriptionsCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <stream> <group>",
		Short: "Create a persistent subscription group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := dial(cmd, &wire.Request{
				Operation: int32(wire.OperationSubscriptionCreate),
				SubCreate: &wire.CreateSubscriptionRequest{
					Stream:        args[0],
					ConsumerGroup: args[1],
					Settings:      subscriptionSettingsFromFlags(cmd),
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s/%s\n", args[0], args[1])
			return nil
		},
	}
	addSubscriptionSettingsFlags(cmd)
	return cmd
}

func newSubscriptionsUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <stream> <group>",
		Short: "Update a persistent subscription group's settings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := dial(cmd, &wire.Request{
				Operation: int32(wire.OperationSubscriptionUpdate),
				SubUpdate: &wire.UpdateSubscriptionRequest{
					Stream:        args[0],
					ConsumerGroup: args[1],
					Settings:      subscriptionSettingsFromFlags(cmd),
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s/%s\n", args[0], args[1])
			return nil
		},
	}
	addSubscriptionSettingsFlags(cmd)
	return cmd
}

func newSubscriptionsDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <stream> <group>",
		Short: "Delete a persistent subscription group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := dial(cmd, &wire.Request{
				Operation: int32(wire.OperationSubscriptionDelete),
				SubDelete: &wire.DeleteSubscriptionRequest{
					Stream:        args[0],
					ConsumerGroup: args[1],
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
	return cmd
}

func newSubscriptionsAckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <stream> <group> <event-id>...",
		Short: "Acknowledge one or more delivered events",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := dial(cmd, &wire.Request{
				Operation: int32(wire.OperationSubscriptionAck),
				Ack: &wire.AckRequest{
					Stream:        args[0],
					ConsumerGroup: args[1],
					EventIds:      args[2:],
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acked %d event(s) on %s/%s\n", len(args[2:]), args[0], args[1])
			_ = res
			return nil
		},
	}
	return cmd
}

func newSubscriptionsNackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nack <stream> <group> <event-id>...",
		Short: "Nack one or more delivered events, retrying or parking them",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, _ := cmd.Flags().GetString("action")
			res, err := dial(cmd, &wire.Request{
				Operation: int32(wire.OperationSubscriptionNack),
				Nack: &wire.NackRequest{
					Stream:        args[0],
					ConsumerGroup: args[1],
					EventIds:      args[2:],
					Action:        action,
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "nacked %d event(s) on %s/%s (%s)\n", len(args[2:]), args[0], args[1], action)
			_ = res
			return nil
		},
	}
	cmd.Flags().String("action", "retry", "retry or park")
	return cmd
}
