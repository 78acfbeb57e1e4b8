package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"

	"github.com/BearBump/parceltrack/config"
	"github.com/BearBump/parceltrack/internal/broker/kafka"
	"github.com/BearBump/parceltrack/internal/broker/messages"
	"github.com/BearBump/parceltrack/internal/cache/rediscache"
	"github.com/BearBump/parceltrack/internal/cache/ttlcache"
	"github.com/BearBump/parceltrack/internal/integrations/carrier"
	"github.com/BearBump/parceltrack/internal/integrations/carrier/belpost"
	"github.com/BearBump/parceltrack/internal/integrations/carrier/evropost"
	"github.com/BearBump/parceltrack/internal/integrations/carrier/fake"
	"github.com/BearBump/parceltrack/internal/lock"
	"github.com/BearBump/parceltrack/internal/logger"
	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/notify"
	"github.com/BearBump/parceltrack/internal/quota"
	"github.com/BearBump/parceltrack/internal/services/analytics"
	"github.com/BearBump/parceltrack/internal/services/autoupdate"
	"github.com/BearBump/parceltrack/internal/services/dispatch"
	"github.com/BearBump/parceltrack/internal/services/eligibility"
	"github.com/BearBump/parceltrack/internal/services/processors"
	"github.com/BearBump/parceltrack/internal/services/progress"
	"github.com/BearBump/parceltrack/internal/services/trackings"
	"github.com/BearBump/parceltrack/internal/services/upload"
	"github.com/BearBump/parceltrack/internal/storage/memstore"
	"github.com/BearBump/parceltrack/internal/storage/pgparcels"
	"github.com/BearBump/parceltrack/internal/workpool"
)

// parcelStorage is everything the worker needs from durable storage.
type parcelStorage interface {
	analytics.Repository
	analytics.ZoneResolver
	upload.StoreDirectory
	upload.ParcelLookup
	eligibility.ParcelFinder
	trackings.ParcelRepository
	autoupdate.Repository
	quota.ParcelCounter
	Statistics(ctx context.Context, key models.StatsKey) (models.Statistics, error)
}

type batchConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
	Close() error
}

type workerFactories struct {
	newStorage  func(ctx context.Context, cfg *config.Config) (st parcelStorage, closeFn func(), err error)
	newRedis    func(cfg *config.Config) *redis.Client
	newProducer func(cfg *config.Config) notify.Publisher
	newConsumer func(cfg *config.Config) batchConsumer
	newGateways func(cfg *config.Config) (carrier.Gateway, carrier.BatchGateway)
}

func defaultWorkerFactories(log *logger.Logger) workerFactories {
	return workerFactories{
		newStorage: func(ctx context.Context, cfg *config.Config) (parcelStorage, func(), error) {
			if cfg.Database.Host == "" {
				log.Warn(ctx, "database host is empty, using in-memory storage")
				return memstore.New(), func() {}, nil
			}
			st, err := pgparcels.New(ctx, cfg.Database.ConnString(), cfg.ParcelTrack.Location())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newRedis: func(cfg *config.Config) *redis.Client {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.NewClient(cfg.Redis.Addr())
		},
		newProducer: func(cfg *config.Config) notify.Publisher {
			if cfg.Kafka.Host == "" {
				return nil
			}
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newConsumer: func(cfg *config.Config) batchConsumer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			topic := cfg.Kafka.BatchRequestedTopicName
			if topic == "" {
				topic = "parcels.batch.requested"
			}
			group := cfg.Kafka.ConsumerGroup
			if group == "" {
				group = "track-worker"
			}
			return kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group,
				kafka.WithLogger(log),
				kafka.WithSkip(func(err error) bool { return errors.Is(err, messages.ErrMalformed) }),
			)
		},
		newGateways: func(cfg *config.Config) (carrier.Gateway, carrier.BatchGateway) {
			pc := cfg.ParcelTrack
			// Без адресов перевозчиков работаем на детерминированном fake.
			if pc.UseFakeGateways || pc.BelpostBaseURL == "" || pc.EvropostBaseURL == "" {
				f := fake.New()
				return f, f
			}
			return belpost.New(pc.BelpostBaseURL, pc.GatewayRPS), evropost.New(pc.EvropostBaseURL, pc.EvropostAPIKey, pc.GatewayRPS)
		},
	}
}

// worker is the assembled pipeline.
type worker struct {
	storage   parcelStorage
	service   *trackings.Service
	registrar *analytics.Updater
	progress  *progress.Aggregator
	updater   *autoupdate.Updater
	pool      *workpool.Pool
	results   *ttlcache.Cache[[]models.TrackResult]
	invalid   *ttlcache.Cache[[]models.InvalidTrack]
	redis     *redis.Client
	closers   []func() error
}

func buildWorker(cfg *config.Config, st parcelStorage, f workerFactories, log *logger.Logger) *worker {
	pc := cfg.ParcelTrack
	clock := clockz.RealClock

	var notifier interface {
		progress.Notifier
		trackings.Notifier
	} = notify.NewLogNotifier(log)
	var closers []func() error
	if pub := f.newProducer(cfg); pub != nil {
		notifier = notify.NewKafkaNotifier(pub, cfg.Kafka.ProgressTopicName, clock, log)
		if c, ok := pub.(interface{ Close() error }); ok {
			closers = append(closers, c.Close)
		}
	}

	var (
		rl    processors.RateLimiter
		cache carrier.Cache
	)
	rc := f.newRedis(cfg)
	if rc != nil {
		rl = rediscache.NewRateLimiter(rc)
		cache = rediscache.New(rc, "history:")
		closers = append(closers, rc.Close)
	}

	gw, batchGW := f.newGateways(cfg)
	gw = carrier.NewDedupGateway(gw)
	if cache != nil {
		gw = carrier.NewCachedGateway(gw, cache, pc.HistoryCacheTTL(), log)
	}

	agg := progress.NewAggregator(notifier, clock)
	updater := analytics.NewUpdater(st, st,
		analytics.WithClock(clock),
		analytics.WithDefaultLocation(pc.Location()),
		analytics.WithLogger(log),
	)
	deps := processors.Deps{
		Saver:       updater,
		Progress:    agg,
		RateLimiter: rl,
		Clock:       clock,
		Log:         log,
	}
	pool := workpool.New(pc.Concurrency())
	dispatcher := dispatch.New(log,
		processors.NewBelpost(gw, pool, deps, int64(pc.RateLimitBelpostPerMinute)),
		processors.NewEvropost(batchGW, pc.EvropostChunk(), deps, int64(pc.RateLimitEvropostPerMinute)),
	)

	quotas := quota.New(quota.Limits{
		MaxUpload:        pc.MaxUploadTracks,
		MaxSaved:         pc.MaxSavedTracks,
		MaxUpdatesPerRun: pc.MaxUpdatesPerRun,
	}, st)
	gate := eligibility.NewGate(st, pc.UpdateInterval(), clock)
	results := ttlcache.New[[]models.TrackResult](pc.CacheTTL(), clock)
	invalid := ttlcache.New[[]models.InvalidTrack](pc.CacheTTL(), clock)
	parcelLocks := lock.NewKeyedMutex(0)

	svc := trackings.New(trackings.Deps{
		Validator:  upload.NewValidator(quotas, st, st),
		Dispatcher: dispatcher,
		Progress:   agg,
		IDs:        progress.NewIDGenerator(clock),
		Notifier:   notifier,
		Parcels:    st,
		Gate:       gate,
		Results:    results,
		Invalid:    invalid,
		Log:        log,

		ParcelLocks: parcelLocks,
	})

	return &worker{
		storage:   st,
		service:   svc,
		registrar: updater,
		progress:  agg,
		updater: autoupdate.New(st, gate, quotas, dispatcher, log).
			WithInterval(pc.AutoUpdateInterval()).
			WithLocks(parcelLocks),
		pool:    pool,
		results: results,
		invalid: invalid,
		redis:   rc,
		closers: closers,
	}
}

func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, log *logger.Logger) error {
	if log == nil {
		log = logger.NewNop()
	}
	st, closeFn, err := f.newStorage(ctx, cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	w := buildWorker(cfg, st, f, log)
	defer func() {
		for _, c := range w.closers {
			_ = c()
		}
	}()
	// Ждём незавершённые батчи, чтобы не потерять результаты при остановке.
	defer w.service.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	sweep := cfg.ParcelTrack.CacheSweepInterval()
	g.Go(func() error {
		w.results.Run(gctx, sweep, func(n int) {
			log.Debug(gctx, "results cache swept", "removed", n)
		})
		return nil
	})
	g.Go(func() error {
		w.invalid.Run(gctx, sweep, func(n int) {
			log.Debug(gctx, "invalid tracks cache swept", "removed", n)
		})
		return nil
	})
	g.Go(func() error {
		return w.updater.Run(gctx)
	})
	if c := f.newConsumer(cfg); c != nil {
		defer func() { _ = c.Close() }()
		g.Go(func() error {
			return consumeBatches(gctx, c, w.service.HandleBatchRequested, log)
		})
	}
	g.Go(func() error {
		return runOpsHTTPServer(gctx, opsHTTPOpts{
			httpAddr:    cfg.ParcelTrack.HTTPAddr,
			swaggerPath: cfg.ParcelTrack.SwaggerPath,
			w:           w,
		})
	})
	g.Go(func() error {
		return runHealthServer(gctx, cfg.ParcelTrack.GRPCAddr, w, log)
	})

	return g.Wait()
}

// consumeBatches keeps the consumer running across broker hiccups until ctx is done.
func consumeBatches(ctx context.Context, c batchConsumer, handler kafka.Handler, log *logger.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		err := c.Consume(ctx, handler)
		if err == nil {
			// Consume возвращает nil только после отмены контекста.
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notifyFn := func(err error, next time.Duration) {
		log.Warn(ctx, "batch consumer failed, restarting", "error", err, "retry_in", next.String())
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notifyFn)
}
