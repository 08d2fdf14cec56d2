package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/queue"
)

func newMessagesCommand(cfg *config) *cobra.Command {
	msgCmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"msg"},
		Short:   "Message operations",
		Long: `Message operations.

Message Lifecycle:
  Scheduled → Pending → Processing → Acknowledged
                 ↑           ↓ (retry threshold reached)
                 └─ retry ─  Dead-lettered

Messages in the acknowledged and dead-lettered lists are addressed by
their index and id, as printed by "messages list".`,
	}
	msgCmd.AddCommand(
		newMessagesListCommand(cfg),
		newMessagesGetCommand(cfg),
		newMessagesRequeueCommand(cfg),
		newMessagesDeleteCommand(cfg),
	)
	return msgCmd
}

func newMessagesListCommand(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List the messages of a queue in the given state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")
			skip, _ := cmd.Flags().GetInt64("skip")
			take, _ := cmd.Flags().GetInt64("take")
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				ref, err := e.queueRef(args[0])
				if err != nil {
					return err
				}
				var page *queue.Page
				switch state {
				case "pending":
					page, err = e.store.ListPending(ctx, ref, skip, take)
				case "acknowledged":
					page, err = e.store.ListAcknowledged(ctx, ref, skip, take)
				case "dead-lettered":
					page, err = e.store.ListDeadLettered(ctx, ref, skip, take)
				case "scheduled":
					page, err = e.store.ListScheduled(ctx, ref, skip, take)
				default:
					return fmt.Errorf("invalid --state %q; use pending|acknowledged|dead-lettered|scheduled", state)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newPageView(page))
			})
		},
	}
	cmd.Flags().StringP("state", "s", "pending", "Message state: pending|acknowledged|dead-lettered|scheduled")
	cmd.Flags().Int64("skip", 0, "Number of messages to skip")
	cmd.Flags().Int64("take", 20, "Maximum number of messages to list")
	return cmd
}

func newMessagesGetCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				m, err := e.store.GetMessage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newMessageView(m))
			})
		},
	}
}

func newMessagesRequeueCommand(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <queue>",
		Short: "Requeue an acknowledged or dead-lettered message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			index, _ := cmd.Flags().GetInt64("index")
			id, _ := cmd.Flags().GetString("id")
			priority, _ := cmd.Flags().GetInt("priority")
			var opts []queue.RequeueOption
			if cmd.Flags().Changed("priority") {
				opts = append(opts, queue.WithRequeuePriority(message.Priority(priority)))
			}
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				ref, err := e.queueRef(args[0])
				if err != nil {
					return err
				}
				switch from {
				case "dead-lettered":
					err = e.store.RequeueFromDeadLetter(ctx, ref, index, id, opts...)
				case "acknowledged":
					err = e.store.RequeueFromAcknowledged(ctx, ref, index, id, opts...)
				default:
					return fmt.Errorf("invalid --from %q; use dead-lettered|acknowledged", from)
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "requeued", id)
				return nil
			})
		},
	}
	cmd.Flags().String("from", "dead-lettered", "Source list: dead-lettered|acknowledged")
	cmd.Flags().Int64("index", 0, "Index of the message in the source list")
	cmd.Flags().String("id", "", "Message id")
	cmd.Flags().Int("priority", int(message.PriorityNormal), "Priority override, priority queues only")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newMessagesDeleteCommand(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <queue>",
		Short: "Delete an acknowledged, dead-lettered or scheduled message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			index, _ := cmd.Flags().GetInt64("index")
			id, _ := cmd.Flags().GetString("id")
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				ref, err := e.queueRef(args[0])
				if err != nil {
					return err
				}
				switch from {
				case "dead-lettered":
					err = e.store.DeleteFromDeadLetter(ctx, ref, index, id)
				case "acknowledged":
					err = e.store.DeleteFromAcknowledged(ctx, ref, index, id)
				case "scheduled":
					err = e.store.DeleteScheduled(ctx, ref, id)
				default:
					return fmt.Errorf("invalid --from %q; use dead-lettered|acknowledged|scheduled", from)
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "deleted", id)
				return nil
			})
		},
	}
	cmd.Flags().String("from", "dead-lettered", "Source: dead-lettered|acknowledged|scheduled")
	cmd.Flags().Int64("index", 0, "Index of the message in the source list, ignored for scheduled messages")
	cmd.Flags().String("id", "", "Message id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
