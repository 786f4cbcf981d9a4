package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/lead-call-queue/internal/api/handlers"
	"github.com/acme/lead-call-queue/internal/config"
	"github.com/acme/lead-call-queue/internal/events"
	"github.com/acme/lead-call-queue/internal/infra/db"
	"github.com/acme/lead-call-queue/internal/infra/redis"
	"github.com/acme/lead-call-queue/internal/metrics"
	"github.com/acme/lead-call-queue/internal/repository"
	"github.com/acme/lead-call-queue/internal/repository/memory"
	pgrepo "github.com/acme/lead-call-queue/internal/repository/postgres"
	scyllarepo "github.com/acme/lead-call-queue/internal/repository/scylla"
	"github.com/acme/lead-call-queue/internal/scheduler"
	"github.com/acme/lead-call-queue/internal/service/concurrency"
	"github.com/acme/lead-call-queue/internal/service/outcome"
	"github.com/acme/lead-call-queue/internal/service/processor"
	"github.com/acme/lead-call-queue/internal/service/queue"
	"github.com/acme/lead-call-queue/internal/telephony"
	telephonyMock "github.com/acme/lead-call-queue/internal/telephony/mock"
	"github.com/acme/lead-call-queue/internal/telephony/retell"
	"github.com/acme/lead-call-queue/pkg/logger"
)

// Container wires together shared infrastructure dependencies. Scylla, Redis and
// Kafka are optional and nil when disabled.
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *events.Kafka

	records repository.RecordStore

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publisher    events.Publisher
		provider     telephony.Provider
		locker       concurrency.Locker
	}
}

type repositories struct {
	QueueItems *repository.QueueItemRepository
	Calls      *repository.CallRepository
	Clients    *repository.ClientRepository
	Leads      *repository.LeadRepository
	Attempts   *scyllarepo.AttemptLog
}

type services struct {
	Queue     *queue.Store
	Processor *processor.Processor
	Outcomes  *outcome.Mapper
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Config:  cfg,
		Logger:  lg,
		Metrics: metrics.New(),
	}
	if err := c.connect(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) connect(ctx context.Context) error {
	cfg := c.Config

	switch cfg.Storage.Driver {
	case "memory":
		c.Logger.Warn("using in-memory record store; data is lost on restart")
		c.records = memory.NewRecordStore()
	default:
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
		store := pgrepo.NewRecordStore(pg.DB())
		if cfg.Postgres.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("bootstrap postgres schema: %w", err)
			}
		}
		c.records = store
	}

	if cfg.Scylla.Enabled {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
		if err := scyllarepo.NewAttemptLog(scylla.Session()).EnsureSchema(ctx); err != nil {
			return fmt.Errorf("bootstrap scylla schema: %w", err)
		}
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = redisClient
	}

	if cfg.Kafka.Enabled {
		kafka, err := events.NewKafka(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = kafka
	}
	return nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		repos := &repositories{
			QueueItems: repository.NewQueueItemRepository(c.records),
			Calls:      repository.NewCallRepository(c.records),
			Clients:    repository.NewClientRepository(c.records),
			Leads:      repository.NewLeadRepository(c.records),
		}
		if c.Scylla != nil {
			repos.Attempts = scyllarepo.NewAttemptLog(c.Scylla.Session())
		}

		var publisher events.Publisher = events.Nop{}
		if c.Kafka != nil {
			publisher = events.NewKafkaPublisher(c.Kafka, cfg.Kafka.EventTopic)
		}

		var locker concurrency.Locker = concurrency.NewLocalLocker()
		if c.Redis != nil {
			locker = concurrency.NewRedisLocker(c.Redis.Inner(), cfg.Scheduler.LockKeyPrefix, cfg.Scheduler.LockTTL)
		}

		var provider telephony.Provider
		if cfg.Retell.Mock {
			provider = telephonyMock.NewProvider(0.9, 500*time.Millisecond)
		} else {
			provider = retell.NewClient(cfg.Retell)
		}

		store := queue.NewStore(repos.QueueItems, repos.Clients, publisher, c.Logger, queue.Options{
			RetryDelays: cfg.Retry.Delays,
			MaxRetries:  cfg.Retry.MaxRetries,
		})

		deps := processor.Dependencies{
			Clients:    repos.Clients,
			Leads:      repos.Leads,
			Calls:      repos.Calls,
			Queue:      store,
			Provider:   provider,
			Locker:     locker,
			Metrics:    c.Metrics,
			Logger:     c.Logger,
			RunTimeout: cfg.Scheduler.ProcessTimeout,
		}
		if repos.Attempts != nil {
			deps.Attempts = repos.Attempts
		}

		c.components.repositories = repos
		c.components.publisher = publisher
		c.components.locker = locker
		c.components.provider = provider
		c.components.services = &services{
			Queue:     store,
			Processor: processor.New(deps),
			Outcomes:  outcome.NewMapper(repos.Calls, repos.Leads, store, publisher, c.Metrics, c.Logger, nil),
		}
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	svc := c.Services()
	deps := handlers.Dependencies{
		Queue:     svc.Queue,
		Processor: svc.Processor,
		Outcomes:  svc.Outcomes,
		Calls:     c.Repositories().Calls,
		Metrics:   c.Metrics,
		Logger:    c.Logger,
		Health:    c.HealthChecks(),
	}
	if attempts := c.Repositories().Attempts; attempts != nil {
		deps.Attempts = attempts
	}
	return handlers.NewHandlerSet(deps)
}

// Scheduler builds the periodic trigger.
func (c *Container) Scheduler() *scheduler.Scheduler {
	svc := c.Services()
	return scheduler.New(
		c.Config.Scheduler,
		c.Repositories().Clients,
		svc.Processor,
		svc.Queue,
		c.Metrics,
		c.Logger,
	)
}

// HealthChecks returns a probe per configured backend.
func (c *Container) HealthChecks() map[string]handlers.HealthCheck {
	checks := make(map[string]handlers.HealthCheck)
	if c.Postgres != nil {
		checks["postgres"] = c.Postgres.Ping
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}
	if c.Scylla != nil {
		checks["scylla"] = c.Scylla.Ping
	}
	return checks
}

// EnsureTopics creates the event topic when Kafka is enabled.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.EventTopic}, 3, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p, ok := c.components.publisher.(*events.KafkaPublisher); ok {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.Logger.Error("container close", zap.Error(err))
		c.Logger.Sync()
		return err
	}
	c.Logger.Sync()
	return nil
}
