package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wackfx/redis-smq/queue"
)

func newQueueCommand(cfg *config) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Queue operations",
		Long: `Queue operations.

Queues are referenced as "name" (in the default namespace) or
"name@namespace".`,
	}
	queueCmd.AddCommand(
		newQueueCreateCommand(cfg),
		newQueueDeleteCommand(cfg),
		newQueueListCommand(cfg),
		newQueueMetricsCommand(cfg),
		newQueuePurgeCommand(cfg),
	)
	return queueCmd
}

func newQueueCreateCommand(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <queue>",
		Short: "Create a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			t, err := queue.ParseType(typ)
			if err != nil {
				return err
			}
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				ref, err := e.queueRef(args[0])
				if err != nil {
					return err
				}
				if err := e.store.CreateQueue(ctx, ref, t); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "created", ref)
				return nil
			})
		},
	}
	cmd.Flags().StringP("type", "t", string(queue.FIFO), "Queue type: fifo|lifo|priority")
	return cmd
}

func newQueueDeleteCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <queue>",
		Short: "Delete a queue and all its messages",
		Long:  "Delete a queue and all its messages. Queues with live consumers cannot be deleted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				ref, err := e.queueRef(args[0])
				if err != nil {
					return err
				}
				if err := e.store.DeleteQueue(ctx, ref); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "deleted", ref)
				return nil
			})
		},
	}
}

func newQueueListCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				refs, err := e.store.ListQueues(ctx)
				if err != nil {
					return err
				}
				for _, ref := range refs {
					t, err := e.store.QueueType(ctx, ref)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ref, t)
				}
				return nil
			})
		},
	}
}

func newQueueMetricsCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:     "metrics <queue>",
		Aliases: []string{"stats"},
		Short:   "Show the message counts of a queue",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				ref, err := e.queueRef(args[0])
				if err != nil {
					return err
				}
				m, err := e.store.Metrics(ctx, ref)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{
					"pending":       m.Pending,
					"processing":    m.Processing,
					"acknowledged":  m.Acknowledged,
					"dead_lettered": m.DeadLettered,
					"scheduled":     m.Scheduled,
					"produced":      m.Produced,
				})
			})
		},
	}
}

func newQueuePurgeCommand(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge [queue]",
		Short: "Delete the messages of a queue in the given state",
		Long: `Delete the messages of a queue in the given state.

States: pending, acknowledged, dead-lettered. The scheduled state is global
and takes no queue argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				if state == "scheduled" {
					if len(args) > 0 {
						return fmt.Errorf("scheduled messages are purged for all queues, remove the queue argument")
					}
					if err := e.store.PurgeScheduled(ctx); err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "purged scheduled messages")
					return nil
				}
				if len(args) == 0 {
					return fmt.Errorf("missing queue argument")
				}
				ref, err := e.queueRef(args[0])
				if err != nil {
					return err
				}
				switch state {
				case "pending":
					err = e.store.PurgePending(ctx, ref)
				case "acknowledged":
					err = e.store.PurgeAcknowledged(ctx, ref)
				case "dead-lettered":
					err = e.store.PurgeDeadLettered(ctx, ref)
				default:
					return fmt.Errorf("invalid --state %q; use pending|acknowledged|dead-lettered|scheduled", state)
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "purged %s messages of %s\n", state, ref)
				return nil
			})
		},
	}
	cmd.Flags().StringP("state", "s", "pending", "Message state: pending|acknowledged|dead-lettered|scheduled")
	return cmd
}
