// Package bootstrap assembles the orchestrator's runtime from configuration:
// the queue transport, the task backend, the saga journal, the intake
// limiter and the readiness registry.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/quizapp/orchestrator/api"
	"github.com/quizapp/orchestrator/collaborator"
	"github.com/quizapp/orchestrator/config"
	"github.com/quizapp/orchestrator/health"
	"github.com/quizapp/orchestrator/idempotency"
	"github.com/quizapp/orchestrator/poison"
	"github.com/quizapp/orchestrator/ratelimit"
	"github.com/quizapp/orchestrator/registration"
	"github.com/quizapp/orchestrator/saga"
	"github.com/quizapp/orchestrator/task"
	"github.com/quizapp/orchestrator/transport"
	"github.com/quizapp/orchestrator/transport/channel"
	"github.com/quizapp/orchestrator/transport/codec"
	"github.com/quizapp/orchestrator/transport/kafka"
	natstransport "github.com/quizapp/orchestrator/transport/nats"
	redistransport "github.com/quizapp/orchestrator/transport/redis"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SweepInterval is how often in-process stores drop expired entries.
const SweepInterval = time.Minute

// LimiterKey is the Redis key shared by distributed registration limiters.
const LimiterKey = "registration"

// Runtime holds the assembled components. Fields that a configuration does
// not use are nil.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Transport transport.Transport
	Backend   task.Backend
	Journal   saga.Store
	Limiter   ratelimit.Limiter
	Health    *health.Registry
	Tasks     *task.Runtime

	redis   *redis.Client
	mongo   *mongo.Client
	closers []func(context.Context) error

	sweepMu sync.Mutex
	sweeps  map[string]func() int
}

// Open connects everything cfg selects. On error, whatever was already
// opened is closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		Config: cfg,
		Logger: logger,
		Health: health.New(api.ServiceName),
	}

	steps := []struct {
		name string
		open func(context.Context) error
	}{
		{"transport", rt.openTransport},
		{"backend", rt.openBackend},
		{"journal", rt.openJournal},
		{"ratelimit", rt.openLimiter},
	}
	for _, step := range steps {
		if err := step.open(ctx); err != nil {
			_ = rt.Close(context.Background())
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	rt.startSweeper(SweepInterval)

	rt.Tasks = task.NewRuntime(rt.Transport, rt.Backend,
		task.WithQueue(cfg.Broker.Queue),
		task.WithSource(cfg.Telemetry.ServiceName),
		task.WithLogger(logger.With("component", "task")),
	)

	logger.Info("runtime ready",
		"broker", cfg.Broker.Kind,
		"backend", cfg.Backend.Kind,
		"journal", cfg.Journal.Kind,
		"rate_limited", rt.Limiter != nil,
	)
	return rt, nil
}

func (r *Runtime) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

// addSweep registers a cleanup run by the sweeper.
func (r *Runtime) addSweep(name string, fn func() int) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweeps == nil {
		r.sweeps = make(map[string]func() int)
	}
	r.sweeps[name] = fn
}

// Sweep runs every registered cleanup once and returns the number of
// entries removed.
func (r *Runtime) Sweep() int {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	total := 0
	for name, fn := range r.sweeps {
		if n := fn(); n > 0 {
			r.Logger.Debug("swept expired entries", "store", name, "removed", n)
			total += n
		}
	}
	return total
}

func (r *Runtime) startSweeper(interval time.Duration) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
	r.onClose(func(context.Context) error {
		close(stop)
		<-done
		return nil
	})
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Runtime) redisClient() (*redis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	opts, err := redis.ParseURL(r.Config.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r.redis = redis.NewClient(opts)
	r.onClose(func(context.Context) error { return r.redis.Close() })
	return r.redis, nil
}

func (r *Runtime) mongoDatabase(ctx context.Context) (*mongo.Database, error) {
	if r.mongo == nil {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(r.Config.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		r.mongo = client
		r.onClose(func(ctx context.Context) error { return client.Disconnect(ctx) })
	}
	return r.mongo.Database(r.Config.Mongo.Database), nil
}

func (r *Runtime) openTransport(ctx context.Context) error {
	cfg := r.Config
	c, err := codec.ByName(cfg.Broker.Codec)
	if err != nil {
		return err
	}

	switch cfg.Broker.Kind {
	case "channel":
		r.Transport = channel.New(channel.WithLogger(r.Logger.With("component", "transport>channel")))

	case "redis":
		client, err := r.redisClient()
		if err != nil {
			return err
		}
		dedup := idempotency.NewRedisStore(client, cfg.Backend.TTL)
		r.Transport, err = redistransport.New(client,
			redistransport.WithCodec(c),
			redistransport.WithClaimInterval(cfg.Worker.ClaimInterval, cfg.Worker.ClaimMinIdle),
			redistransport.WithMaxAge(cfg.Backend.TTL),
			redistransport.WithIdempotencyStore(dedup),
			redistransport.WithLogger(r.Logger.With("component", "transport>redis")),
		)
		if err != nil {
			return err
		}

	case "nats":
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		r.onClose(func(context.Context) error { conn.Close(); return nil })
		r.Transport, err = natstransport.NewJetStream(conn,
			natstransport.WithCodec(c),
			natstransport.WithReplicas(cfg.NATS.Replicas),
			natstransport.WithMaxAge(cfg.Backend.TTL),
			natstransport.WithDeduplication(cfg.NATS.DedupWindow),
			natstransport.WithMaxDeliver(cfg.NATS.MaxDeliver),
			natstransport.WithLogger(r.Logger.With("component", "transport>nats")),
		)
		if err != nil {
			return err
		}

	case "kafka":
		sc := sarama.NewConfig()
		sc.Consumer.Offsets.AutoCommit.Enable = false
		sc.Producer.Return.Successes = true
		client, err := sarama.NewClient(cfg.Kafka.Brokers, sc)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		r.onClose(func(context.Context) error { return client.Close() })
		r.Transport, err = kafka.New(client,
			kafka.WithCodec(c),
			kafka.WithPartitions(int32(cfg.Kafka.Partitions)),
			kafka.WithReplication(int16(cfg.Kafka.Replication)),
			kafka.WithRetention(cfg.Backend.TTL),
			kafka.WithDeadLetterTopic(cfg.Kafka.DeadLetterTopic),
			kafka.WithMaxRetries(cfg.Kafka.MaxRetries),
			kafka.WithLogger(r.Logger.With("component", "transport>kafka")),
		)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}

	tr := r.Transport
	r.onClose(tr.Close)
	if hc, ok := tr.(transport.HealthChecker); ok {
		r.Health.Register("transport", hc)
	}
	return nil
}

func (r *Runtime) openBackend(ctx context.Context) error {
	cfg := r.Config.Backend
	switch cfg.Kind {
	case "memory":
		b := task.NewMemoryBackend(cfg.TTL)
		r.addSweep("backend", b.Cleanup)
		r.Backend = b
	case "redis":
		client, err := r.redisClient()
		if err != nil {
			return err
		}
		r.Backend = task.NewRedisBackend(client, cfg.TTL)
	case "mongo":
		db, err := r.mongoDatabase(ctx)
		if err != nil {
			return err
		}
		b := task.NewMongoBackend(db).WithTTL(cfg.TTL)
		if err := b.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
		r.Backend = b
	default:
		return fmt.Errorf("unknown backend %q", cfg.Kind)
	}

	r.Health.Register("backend", health.PingCheck(r.Backend))
	return nil
}

func (r *Runtime) openJournal(ctx context.Context) error {
	cfg := r.Config.Journal
	switch cfg.Kind {
	case "none":
		return nil
	case "memory":
		store := saga.NewMemoryStore().WithTTL(cfg.TTL)
		r.addSweep("journal", store.Expire)
		r.Journal = store
	case "redis":
		client, err := r.redisClient()
		if err != nil {
			return err
		}
		r.Journal = saga.NewRedisStore(client).WithTTL(cfg.TTL)
	case "postgres":
		db, err := sql.Open("postgres", r.Config.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		r.onClose(func(context.Context) error { return db.Close() })
		store := saga.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		r.Journal = store
	case "mongo":
		db, err := r.mongoDatabase(ctx)
		if err != nil {
			return err
		}
		store := saga.NewMongoStore(db).WithTTL(cfg.TTL)
		if err := store.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
		r.Journal = store
	default:
		return fmt.Errorf("unknown journal %q", cfg.Kind)
	}

	if p, ok := r.Journal.(health.Pinger); ok {
		r.Health.RegisterOptional("journal", health.PingCheck(p))
	}
	return nil
}

func (r *Runtime) openLimiter(ctx context.Context) error {
	cfg := r.Config.RateLimit
	if cfg.RPS <= 0 {
		return nil
	}
	if !cfg.Distributed {
		r.Limiter = ratelimit.NewTokenBucket(cfg.RPS, cfg.Burst)
		return nil
	}

	client, err := r.redisClient()
	if err != nil {
		return err
	}
	perSecond := int(math.Ceil(cfg.RPS))
	if cfg.Algorithm == "sliding" {
		r.Limiter = ratelimit.NewSlidingWindowLimiter(client, LimiterKey, perSecond, time.Second)
	} else {
		r.Limiter = ratelimit.NewRedisLimiter(client, LimiterKey, perSecond, time.Second)
	}
	return nil
}

// NewOrchestrator returns the registration entry point over the task runtime.
func (r *Runtime) NewOrchestrator() (*registration.Orchestrator, error) {
	return registration.NewOrchestrator(r.Tasks,
		registration.WithLogger(r.Logger.With("component", "registration")))
}

// NewAPI returns the orchestrator HTTP handler.
func (r *Runtime) NewAPI(orch *registration.Orchestrator) *api.Handler {
	opts := []api.Option{
		api.WithReadiness(r.Health.Handler()),
		api.WithLogger(r.Logger.With("component", "api")),
	}
	if r.Journal != nil {
		opts = append(opts, api.WithJournal(r.Journal))
	}
	if r.Limiter != nil {
		opts = append(opts, api.WithLimiter(r.Limiter))
	}
	return api.New(orch, r.Tasks, opts...)
}

// NewWorker registers the registration saga handler and returns a worker
// for the task queue.
func (r *Runtime) NewWorker() (*task.Worker, error) {
	cfg := r.Config
	users := collaborator.NewUserClient(cfg.Services.UserURL,
		collaborator.WithTimeout(cfg.Services.Timeout),
		collaborator.WithLogger(r.Logger.With("component", "collaborator>user_service")),
	)
	profiles := collaborator.NewProfileClient(cfg.Services.ProfileURL,
		collaborator.WithTimeout(cfg.Services.Timeout),
		collaborator.WithLogger(r.Logger.With("component", "collaborator>profile_service")),
	)

	metrics, err := saga.NewMetricsRecorder("orchestrator.saga")
	if err != nil {
		return nil, fmt.Errorf("saga metrics: %w", err)
	}
	opts := []saga.Option{
		saga.WithMetrics(metrics),
		saga.WithLogger(r.Logger.With("component", "saga")),
	}
	if r.Journal != nil {
		opts = append(opts, saga.WithStore(r.Journal))
	}

	s, err := registration.NewSaga(users, profiles, opts...)
	if err != nil {
		return nil, err
	}
	r.Tasks.Register(registration.TaskName, registration.NewHandler(s))

	workerOpts := []task.WorkerOption{
		task.WithConcurrency(cfg.Worker.Concurrency),
		task.WithTimeLimit(cfg.Worker.TimeLimit),
		task.WithWorkerLogger(r.Logger.With("component", "worker")),
	}
	if cfg.Worker.MaxDeliveryFailures > 0 {
		guard, err := r.poisonGuard()
		if err != nil {
			return nil, err
		}
		workerOpts = append(workerOpts, task.WithPoisonGuard(guard))
	}
	return r.Tasks.NewWorker(workerOpts...), nil
}

// poisonGuard shares failure counts through Redis whenever the deployment
// already uses it, so every worker on the queue sees the same counts.
func (r *Runtime) poisonGuard() (*poison.Guard, error) {
	cfg := r.Config
	var store poison.Store
	if cfg.Broker.Kind == "redis" || cfg.Backend.Kind == "redis" {
		client, err := r.redisClient()
		if err != nil {
			return nil, err
		}
		store = poison.NewRedisStore(client).WithFailureTTL(cfg.Worker.Quarantine)
	} else {
		mem := poison.NewMemoryStore().WithFailureTTL(cfg.Worker.Quarantine)
		r.addSweep("poison", mem.Cleanup)
		store = mem
	}
	return poison.NewGuard(store,
		poison.WithMaxFailures(cfg.Worker.MaxDeliveryFailures),
		poison.WithQuarantine(cfg.Worker.Quarantine),
	), nil
}
