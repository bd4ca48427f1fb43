// Package adapter assembles a ready-to-use queue from environment
// configuration: it picks the driver, wires the optional Redis notifier,
// and hands out clients, workers, and a scheduler behind the shared
// contracts so application code never imports a driver package.
package adapter

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eclaire-labs/jobqueue"
	"github.com/eclaire-labs/jobqueue/membroker"
	"github.com/eclaire-labs/jobqueue/redisnotify"
	"github.com/eclaire-labs/jobqueue/sqlstore"
)

// Queue bundles one configured driver behind the shared contracts.
type Queue struct {
	cfg    *Config
	logger jobqueue.Logger
	events *jobqueue.Events

	client    jobqueue.Client
	scheduler jobqueue.Scheduler

	// sql driver parts; nil for the memory driver
	store    *sqlstore.Store
	notifier jobqueue.Notifier
	redisCli *redis.Client
	redisNot *redisnotify.Notifier

	// memory driver parts; nil for the sql driver
	broker *membroker.Broker
}

// QueueOption is an options provider for Queue.
type QueueOption func(*Queue)

// SetLogger overrides the default zap-backed logger.
func SetLogger(logger jobqueue.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// SetEvents installs event callbacks passed to every worker.
func SetEvents(events *jobqueue.Events) QueueOption {
	return func(q *Queue) {
		q.events = events
	}
}

// New assembles a queue for the configuration. Close releases everything
// New opened.
func New(cfg *Config, options ...QueueOption) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	q := &Queue{cfg: cfg}
	for _, opt := range options {
		opt(q)
	}
	if q.logger == nil {
		zl, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("adapter: init logger: %w", err)
		}
		q.logger = NewZapLogger(zl)
	}

	switch cfg.Driver {
	case DriverSQL:
		if err := q.initSQL(); err != nil {
			return nil, err
		}
	default:
		q.initMemory()
	}
	return q, nil
}

func (q *Queue) initSQL() error {
	store, err := sqlstore.Open(sqlstore.Dialect(q.cfg.SQLDialect), q.cfg.SQLDSN, sqlstore.SetLogger(q.logger))
	if err != nil {
		return err
	}
	q.store = store

	q.notifier = jobqueue.NewLocalNotifier()
	if q.cfg.RedisAddr != "" {
		q.redisCli = redis.NewClient(&redis.Options{
			Addr:     q.cfg.RedisAddr,
			Password: q.cfg.RedisPassword,
			DB:       q.cfg.RedisDB,
		})
		q.redisNot = redisnotify.New(q.redisCli, redisnotify.SetLogger(q.logger))
		q.notifier = q.redisNot
	}

	client := sqlstore.NewClient(store,
		sqlstore.SetNotifier(q.notifier),
		sqlstore.SetClientLogger(q.logger),
	)
	q.client = client

	var schedOpts []sqlstore.SchedulerOption
	schedOpts = append(schedOpts, sqlstore.SetSchedulerLogger(q.logger))
	if q.cfg.SchedulerInterval > 0 {
		schedOpts = append(schedOpts, sqlstore.SetCheckInterval(q.cfg.SchedulerInterval))
	}
	q.scheduler = sqlstore.NewScheduler(store, client, schedOpts...)
	return nil
}

func (q *Queue) initMemory() {
	brokerOpts := []membroker.BrokerOption{membroker.SetLogger(q.logger)}
	if q.cfg.Concurrency > 0 {
		brokerOpts = append(brokerOpts, membroker.SetConcurrency(q.cfg.Concurrency))
	}
	q.broker = membroker.New(brokerOpts...)
	client := membroker.NewClient(q.broker, membroker.SetClientLogger(q.logger))
	q.client = client

	var schedOpts []membroker.SchedulerOption
	schedOpts = append(schedOpts, membroker.SetSchedulerLogger(q.logger))
	if q.cfg.SchedulerInterval > 0 {
		schedOpts = append(schedOpts, membroker.SetCheckInterval(q.cfg.SchedulerInterval))
	}
	q.scheduler = membroker.NewScheduler(client, schedOpts...)
}

// Client returns the driver's client.
func (q *Queue) Client() jobqueue.Client {
	return q.client
}

// Scheduler returns the driver's scheduler. Start it explicitly.
func (q *Queue) Scheduler() jobqueue.Scheduler {
	return q.scheduler
}

// workerConfig builds one worker's configuration from the queue config.
func (q *Queue) workerConfig() jobqueue.WorkerConfig {
	return jobqueue.WorkerConfig{
		Concurrency:       q.cfg.Concurrency,
		PollInterval:      q.cfg.PollInterval,
		LockDuration:      q.cfg.LockDuration,
		HeartbeatInterval: q.cfg.HeartbeatInterval,
		ShutdownTimeout:   q.cfg.ShutdownTimeout,
		Logger:            q.logger,
		Notifier:          q.notifier,
		Events:            q.events,
	}.WithDefaults()
}

// NewWorker creates a worker for the queue name on the configured driver.
func (q *Queue) NewWorker(queue string, handler jobqueue.Handler) jobqueue.Worker {
	cfg := q.workerConfig()
	if q.store != nil {
		return sqlstore.NewWorker(q.store, queue, handler, cfg)
	}
	return membroker.NewWorker(q.broker, queue, handler, cfg)
}

// Close stops the scheduler and releases the driver's resources. Workers
// must be stopped by their owners first.
func (q *Queue) Close() error {
	var first error
	if q.scheduler != nil {
		if err := q.scheduler.Stop(); err != nil && first == nil {
			first = err
		}
	}
	if q.redisNot != nil {
		if err := q.redisNot.Close(); err != nil && first == nil {
			first = err
		}
	}
	if q.redisCli != nil {
		if err := q.redisCli.Close(); err != nil && first == nil {
			first = err
		}
	}
	if q.client != nil {
		if err := q.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
