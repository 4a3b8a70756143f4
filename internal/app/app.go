// Package app wires the sync components shared by the server and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/tiersync/backend/config"
	"github.com/tiersync/backend/internal/batch"
	"github.com/tiersync/backend/internal/credentials"
	"github.com/tiersync/backend/internal/github"
	"github.com/tiersync/backend/internal/invitation"
	"github.com/tiersync/backend/internal/membership"
	"github.com/tiersync/backend/internal/metrics"
	"github.com/tiersync/backend/internal/reconcile"
	"github.com/tiersync/backend/internal/settings"
	"github.com/tiersync/backend/internal/subscribers"
	"github.com/tiersync/backend/internal/worker"
	"github.com/tiersync/backend/pkg/database"
	"github.com/tiersync/backend/pkg/queue"
	"github.com/tiersync/backend/pkg/redis"
	"github.com/tiersync/backend/pkg/utils"
)

// App holds the connected stores and the sync pipeline.
type App struct {
	Config      *config.Config
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Queue       *queue.Queue
	Subscribers *subscribers.Repository
	Settings    *settings.Repository
	Credentials *credentials.Service
	GitHub      *github.Client
	Memberships *membership.Query
	Invitations *invitation.Flow
	Engine      *reconcile.Engine
	Batch       *batch.Coordinator
	Processor   *worker.Processor
}

// New connects Postgres and Redis and builds the pipeline. Migrations run when migrate is set.
func New(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	box, err := utils.NewSecretBox(cfg.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("secret box: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("tiersync", reg)

	a := &App{Config: cfg, Pool: pool, Redis: rdb, Registry: reg, Metrics: m}
	a.Queue = queue.NewQueue(rdb.Client, logger)
	a.Subscribers = subscribers.NewRepository(pool)
	a.Settings = settings.NewRepository(pool)
	a.Credentials = credentials.NewService(a.Subscribers, a.Settings, box, logger)

	a.GitHub = github.NewClient(cfg.GitHub, a.Credentials, logger)
	a.GitHub.SetObserver(m)

	a.Memberships = membership.NewQuery(a.GitHub, rdb.Client, cfg.Sync.OrgTeamsTTL(), cfg.Sync.UserTeamsTTL(), logger)
	a.Memberships.SetRecorder(m)

	a.Invitations = invitation.NewFlow(a.Subscribers, a.GitHub, a.Queue, a.Settings, logger)
	a.Invitations.SetRecorder(m)

	a.Engine = reconcile.NewEngine(a.Subscribers, a.GitHub, a.Memberships, a.Invitations, a.Queue, a.Settings,
		cfg.Sync.FollowupDelay(), logger)
	a.Engine.SetRecorder(m)

	a.Batch = batch.NewCoordinator(a.Subscribers, a.Queue, cfg.Sync.ChunkSize, logger)

	poll := time.Duration(cfg.Sync.WorkerPollSec) * time.Second
	a.Processor = worker.NewProcessor(a.Engine, a.Invitations, a.Batch, a.Queue, poll, logger)
	a.Processor.SetRecorder(m)
	return a, nil
}

// Close releases the Postgres pool and Redis connection.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
