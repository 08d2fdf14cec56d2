// Command smqctl administers the queues of a redis-smq deployment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/queue"
	"github.com/wackfx/redis-smq/smq"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand(loadConfig()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:           "smqctl",
		Short:         "redis-smq administration CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return cfg.validate()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address (REDIS_ADDR)")
	flags.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password (REDIS_PASSWORD)")
	flags.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database (REDIS_DB)")
	flags.StringVarP(&cfg.Namespace, "namespace", "n", cfg.Namespace, "Default queue namespace (SMQ_NAMESPACE)")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Command timeout (SMQ_TIMEOUT)")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Print debug logs (SMQ_DEBUG)")

	root.AddCommand(
		newQueueCommand(cfg),
		newMessagesCommand(cfg),
		newConsumersCommand(cfg),
	)
	return root
}

// env is the per-command environment.
type env struct {
	rdb    *redis.Client
	store  *queue.Store
	logger smq.Logger
	cfg    *config
}

// withStore connects to Redis, runs fn and closes the connection.
func withStore(cmd *cobra.Command, cfg *config, fn func(ctx context.Context, e *env) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	logCtx := log.Context(ctx, log.WithFormat(format), log.WithOutput(cmd.ErrOrStderr()))
	logger := smq.ClueLogger(logCtx)
	if cfg.Debug {
		logger.EnableDebug()
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error(fmt.Errorf("failed to close redis client: %w", err))
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	e := &env{rdb: rdb, store: queue.New(rdb, queue.WithLogger(logger)), logger: logger, cfg: cfg}
	return fn(ctx, e)
}

// queueRef parses a queue argument, "name" or "name@namespace".
func (e *env) queueRef(arg string) (keys.QueueRef, error) {
	return keys.ParseQueueRef(arg, e.cfg.Namespace)
}
