// Package app assembles the storage backends and services shared by the
// tracking server, the worker and trackctl from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/engagement-tracker/internal/config"
	"github.com/ignite/engagement-tracker/internal/export"
	"github.com/ignite/engagement-tracker/internal/forward"
	"github.com/ignite/engagement-tracker/internal/pkg/distlock"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
	"github.com/ignite/engagement-tracker/internal/repository/memory"
	"github.com/ignite/engagement-tracker/internal/repository/postgres"
	rediscache "github.com/ignite/engagement-tracker/internal/repository/redis"
	"github.com/ignite/engagement-tracker/internal/service/analytics"
	"github.com/ignite/engagement-tracker/internal/service/events"
	"github.com/ignite/engagement-tracker/internal/service/unsubscribe"
)

// Stores holds one backend's repositories.
type Stores struct {
	Events      events.Repository
	Analytics   analytics.Repository
	Unsubscribe unsubscribe.Repository
	Campaigns   unsubscribe.CampaignDirectory
	Rows        export.Lister

	DB    *sql.DB       // nil for the memory backend
	Redis *redis.Client // nil when Redis is not configured or unreachable
}

// Close releases the connections held by s.
func (s *Stores) Close() {
	if s.Redis != nil {
		s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

// ConfigPath returns CONFIG_PATH, or config/config.yaml when that file
// exists, or "" so the loader starts from defaults.
func ConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}
	return ""
}

// OpenStores connects the backend selected by storage.type. Redis is
// optional; a failed ping only disables the cache and Redis locks.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	var s Stores
	switch strings.ToLower(cfg.Storage.Type) {
	case "memory":
		m := memory.New()
		s.Events, s.Analytics, s.Unsubscribe, s.Campaigns, s.Rows = m, m, m, m, m
		log.Println("Using in-memory storage (data is lost on exit)")
	case "postgres", "":
		db, err := OpenDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.DB = db
		rows := postgres.NewAnalyticsRepo(db)
		s.Events = postgres.NewEventRepo(db)
		s.Analytics = rows
		s.Rows = rows
		s.Unsubscribe = postgres.NewUnsubscribeRepo(db)
		s.Campaigns = postgres.NewCampaignRepo(db)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	s.Redis = OpenRedis(ctx, cfg.Redis.URL)
	return &s, nil
}

// OpenDB opens and pings the Postgres pool.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required for postgres storage")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Println("Connected to database")
	return db, nil
}

// OpenRedis connects to url, or returns nil when url is empty or the server
// does not answer.
func OpenRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		log.Println("Redis not configured (REDIS_URL not set) - sent cache disabled, using PG advisory locks")
		return nil
	}
	var client *redis.Client
	if opts, err := redis.ParseURL(url); err != nil {
		client = redis.NewClient(&redis.Options{Addr: url})
	} else {
		client = redis.NewClient(opts)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed: %v - continuing without it", err)
		client.Close()
		return nil
	}
	log.Println("Redis connected (sent cache and distributed locking enabled)")
	return client
}

// EventRepository layers the circuit breaker and, when Redis is up, the
// sent-event cache over the raw event repository. The cache sits outside the
// breaker so cached lookups keep answering while the database is tripped.
func (s *Stores) EventRepository(cfg config.TrackingConfig, redisCfg config.RedisConfig) events.Repository {
	var repo events.Repository = events.NewGuarded(s.Events, events.BreakerSettings{
		Name:             "event-store",
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		OpenTimeout:      cfg.BreakerOpenTimeout(),
	})
	if s.Redis != nil {
		repo = rediscache.NewSentCache(repo, s.Redis, redisCfg.SentCacheTTL())
	}
	return repo
}

// Lock returns the reconciliation lock for this backend, or nil when neither
// Redis nor Postgres is available to coordinate instances.
func (s *Stores) Lock(key string, ttl time.Duration) distlock.DistLock {
	if s.Redis == nil && s.DB == nil {
		return nil
	}
	if s.Redis == nil {
		return distlock.NewLock(nil, s.DB, key, ttl)
	}
	return distlock.NewLock(s.Redis, s.DB, key, ttl)
}

// Detector builds the forward detector from config.
func Detector(cfg config.ForwardConfig) *forward.Detector {
	return forward.NewDetector(forward.Config{
		Threshold:         cfg.Threshold,
		RapidWindow:       cfg.RapidWindow(),
		DifferentIPWeight: cfg.DifferentIPWeight,
		BrowserWeight:     cfg.BrowserWeight,
		RapidWeight:       cfg.RapidWeight,
		ServiceWeight:     cfg.ServiceWeight,
		ServiceSignatures: cfg.ServiceSignatures,
		Disabled:          cfg.DisabledRules,
	})
}

// ConfigureLogger applies the log section.
func ConfigureLogger(cfg config.LogConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	if cfg.RedactPII != nil {
		logger.SetRedactPII(*cfg.RedactPII)
	}
}
