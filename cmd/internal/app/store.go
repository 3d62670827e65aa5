package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"devicegate/cmd/internal/session"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// storeHandle owns the session store and the connections behind it.
type storeHandle struct {
	engine string
	store  session.Store

	pool  *pgxpool.Pool
	redis *redis.Client
}

// durable reports whether sessions survive a restart.
func (h *storeHandle) durable() bool { return h.engine != StoreMemory }

func (h *storeHandle) Close() error {
	var errs []error
	if h.store != nil {
		errs = append(errs, h.store.Close())
	}
	if h.redis != nil {
		errs = append(errs, h.redis.Close())
	}
	if h.pool != nil {
		h.pool.Close()
	}
	return errors.Join(errs...)
}

// resolveStoreEngine maps DG_STORE plus the configured URLs to an engine.
func resolveStoreEngine(cfg Config) (string, error) {
	engine := strings.ToLower(strings.TrimSpace(cfg.Store))
	switch engine {
	case "", StoreAuto:
		switch {
		case cfg.DatabaseURL != "":
			return StorePostgres, nil
		case cfg.RedisURL != "":
			return StoreRedis, nil
		default:
			return StoreMemory, nil
		}
	case StoreMemory:
		return StoreMemory, nil
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return "", fmt.Errorf("%w: DG_STORE=postgres requires DG_DATABASE_URL", session.ErrConfig)
		}
		return StorePostgres, nil
	case StoreRedis:
		if cfg.RedisURL == "" {
			return "", fmt.Errorf("%w: DG_STORE=redis requires DG_REDIS_URL", session.ErrConfig)
		}
		return StoreRedis, nil
	default:
		return "", fmt.Errorf("%w: unknown DG_STORE %q", session.ErrConfig, cfg.Store)
	}
}

// checkRedisLockTTL rejects a lock that could expire while a scope is still
// inside its store deadline.
func checkRedisLockTTL(cfg Config, sesCfg session.Config) error {
	if cfg.RedisLockTTL <= sesCfg.StoreTimeout {
		return fmt.Errorf("%w: DG_REDIS_LOCK_TTL (%s) must exceed DG_STORE_TIMEOUT (%s)",
			session.ErrConfig, cfg.RedisLockTTL, sesCfg.StoreTimeout)
	}
	return nil
}

// newStore opens the configured session store.
func newStore(ctx context.Context, cfg Config, sesCfg session.Config, log Logger) (*storeHandle, error) {
	engine, err := resolveStoreEngine(cfg)
	if err != nil {
		return nil, err
	}
	if engine == StoreRedis {
		if err := checkRedisLockTTL(cfg, sesCfg); err != nil {
			return nil, err
		}
	}

	switch engine {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.DBAutoMigrate {
			if err := session.ApplySchema(ctx, pool, cfg.DBSchema); err != nil {
				pool.Close()
				return nil, err
			}
			log.Info("db.schema.applied", "schema", cfg.DBSchema)
		}
		st, err := session.NewPostgresStore(pool, session.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("store.enabled", "engine", engine, "schema", cfg.DBSchema)
		return &storeHandle{engine: engine, store: st, pool: pool}, nil

	case StoreRedis:
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st, err := session.NewRedisStore(client,
			session.WithKeyPrefix(cfg.RedisPrefix),
			session.WithLockTTL(cfg.RedisLockTTL),
		)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		log.Info("store.enabled", "engine", engine, "prefix", cfg.RedisPrefix)
		return &storeHandle{engine: engine, store: st, redis: client}, nil

	default:
		log.Info("store.enabled", "engine", StoreMemory)
		return &storeHandle{engine: StoreMemory, store: session.NewMemoryStore()}, nil
	}
}
