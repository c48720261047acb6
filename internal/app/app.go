// Package app assembles the narration components shared by the binaries.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/puckettventures/converse/internal/cache"
	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/database"
	"github.com/puckettventures/converse/internal/llm"
	"github.com/puckettventures/converse/internal/merge"
	"github.com/puckettventures/converse/internal/narration"
	"github.com/puckettventures/converse/internal/queue"
	"github.com/puckettventures/converse/internal/retry"
	"github.com/puckettventures/converse/internal/secrets"
	"github.com/puckettventures/converse/internal/session"
	"github.com/puckettventures/converse/internal/speakers"
	"github.com/puckettventures/converse/internal/storage"
	"github.com/puckettventures/converse/internal/synth"
	"github.com/puckettventures/converse/internal/tts"
	"github.com/puckettventures/converse/internal/webhook"
)

// Core holds the components every binary needs to create and inspect
// sessions.
type Core struct {
	Config    *config.Config
	Creds     secrets.Credentials
	Redis     *redis.Client
	DB        *pgxpool.Pool
	Store     session.Store
	Objects   storage.Storage
	Exec      *retry.Executor
	Queue     *queue.Client
	Narration *narration.Service

	closers []func()
}

// Bootstrap fetches credentials once and connects the configured backends.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	provider, err := secrets.NewProvider(cfg.Secrets)
	if err != nil {
		return nil, err
	}
	creds, err := provider.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch secrets: %w", err)
	}

	c := &Core{Config: cfg, Creds: creds}
	if err := c.connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) connect(ctx context.Context) error {
	cfg := c.Config

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	c.onClose(func() { c.Redis.Close() })
	if err := c.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	c.Store = store
	c.onClose(func() { store.Close() })

	if c.Objects, err = storage.New(cfg.Storage, c.Creds); err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	c.Exec = retry.NewExecutor(cfg.Retry)
	c.Queue = queue.NewClient(cfg.Redis)
	c.onClose(func() { c.Queue.Close() })

	gateway := llm.NewGateway(cfg.LLM, c.Creds, c.Exec)
	assigner := speakers.NewAssigner(gateway, cfg.Pipeline, cfg.TTS)

	bucket := cfg.Storage.Bucket
	c.Narration = narration.NewService(c.Store, assigner, c.Queue,
		narration.WithStatusCache(cache.NewCache(c.Redis, cfg.Session.KeyPrefix), cfg.Session.StatusCacheTTL),
		narration.WithPublicURL(func(ref string) string { return c.Objects.GetPublicURL(bucket, ref) }),
	)
	return nil
}

func (c *Core) openStore(ctx context.Context) (session.Store, error) {
	cfg := c.Config
	switch cfg.Session.Backend {
	case "redis":
		return session.NewRedisStore(c.Redis, cfg.Session.KeyPrefix), nil
	case "postgres":
		pool, err := database.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		c.DB = pool
		c.onClose(pool.Close)
		if err := database.RunMigrations(ctx, pool, os.DirFS(cfg.Database.MigrationsPath)); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		return session.NewPostgresStore(pool), nil
	case "sqlite":
		return session.OpenSQLite(ctx, cfg.Session.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}

func (c *Core) onClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// Close releases connections in reverse order of acquisition.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Pipeline adds the components only the worker runs.
type Pipeline struct {
	Synth    *synth.Synthesizer
	Merger   *merge.Merger
	Webhooks *webhook.Dispatcher
}

func (c *Core) Pipeline(ctx context.Context) (*Pipeline, error) {
	cfg := c.Config

	speech, err := tts.New(ctx, cfg.TTS, c.Creds)
	if err != nil {
		return nil, fmt.Errorf("create tts provider: %w", err)
	}
	if closer, ok := speech.(io.Closer); ok {
		c.onClose(func() { closer.Close() })
	}
	muxer, err := merge.NewMuxer(cfg.Merge)
	if err != nil {
		return nil, fmt.Errorf("create muxer: %w", err)
	}

	slog.Info("narration pipeline ready",
		"tts", speech.Name(),
		"merge", cfg.Merge.Backend,
		"session_store", cfg.Session.Backend,
		"storage", cfg.Storage.Backend,
	)
	return &Pipeline{
		Synth:    synth.New(c.Store, speech, c.Objects, cfg.Storage.Bucket, c.Exec, c.Narration),
		Merger:   merge.New(c.Store, c.Objects, cfg.Storage.Bucket, muxer, cfg.Merge.ScratchDir),
		Webhooks: webhook.NewDispatcher(cfg.Webhook.Timeout, c.Creds.WebhookSecret),
	}, nil
}
