package main

import (
	"context"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/wackfx/redis-smq/heartbeat"
	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/rmap"
)

type consumerView struct {
	ID     string             `json:"id"`
	Alive  bool               `json:"alive"`
	Queues []string           `json:"queues"`
	Status *heartbeat.Payload `json:"status,omitempty"`
}

func newConsumersCommand(cfg *config) *cobra.Command {
	consumersCmd := &cobra.Command{
		Use:   "consumers",
		Short: "Consumer operations",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List consumers with their queues and last heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ttl, _ := cmd.Flags().GetDuration("heartbeat-ttl")
			return withStore(cmd, cfg, func(ctx context.Context, e *env) error {
				registry, err := rmap.Join(ctx, e.rdb, keys.ForGlobal().ConsumerQueues, rmap.WithLogger(e.logger))
				if err != nil {
					return err
				}
				defer registry.Close()
				payloads, err := heartbeat.Payloads(ctx, e.rdb)
				if err != nil {
					return err
				}
				alive, err := heartbeat.ValidIDs(ctx, e.rdb, time.Now(), ttl)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), consumerViews(registry, payloads, alive))
			})
		},
	}
	listCmd.Flags().Duration("heartbeat-ttl", heartbeat.DefaultTTL, "Age after which a heartbeat is considered expired")
	consumersCmd.AddCommand(listCmd)
	return consumersCmd
}

// consumerViews merges the registry and the heartbeats. Consumers that
// only appear in one of them are listed too.
func consumerViews(registry *rmap.Map, payloads map[string]*heartbeat.Payload, alive []string) []*consumerView {
	views := make(map[string]*consumerView)
	view := func(id string) *consumerView {
		v, ok := views[id]
		if !ok {
			v = &consumerView{ID: id, Queues: []string{}}
			views[id] = v
		}
		return v
	}
	for _, id := range registry.Keys() {
		qs, _ := registry.GetValues(id)
		view(id).Queues = qs
	}
	for id, p := range payloads {
		view(id).Status = p
	}
	for _, id := range alive {
		view(id).Alive = true
	}
	res := make([]*consumerView, 0, len(views))
	for _, v := range views {
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
