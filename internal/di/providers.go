package di

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"EdgeRefresh/internal/domain/models"
	"EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/internal/handler/api"
	mid "EdgeRefresh/internal/middleware"
	internalrepo "EdgeRefresh/internal/repository"
	"EdgeRefresh/internal/service/oddsfeed"
	"EdgeRefresh/internal/service/ratelimit"
	"EdgeRefresh/internal/services/optimizer"
	"EdgeRefresh/internal/usecase"
	"EdgeRefresh/pkg/cache"
	pkgch "EdgeRefresh/pkg/clickhouse"
	"EdgeRefresh/pkg/config"
	xhttp "EdgeRefresh/pkg/http"
	pkgkafka "EdgeRefresh/pkg/kafka"
	"EdgeRefresh/pkg/logger"
	"EdgeRefresh/pkg/metrics"
	"EdgeRefresh/pkg/queue"
	"EdgeRefresh/pkg/server"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New(metrics.WithRegisterer(prometheus.DefaultRegisterer))
}

// ProvideRedisCache connects to Redis when enabled.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Host, cfg.Redis.Port),
		cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, 30*time.Second),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideCacheService selects the submatrix cache backend.
func ProvideCacheService(cfg *config.Config, rc *cache.RedisCache) cache.Service {
	switch {
	case cfg.Cache.Backend == "redis" && rc != nil:
		return rc
	case cfg.Cache.Backend == "layered" && rc != nil:
		return cache.NewLayeredCache(rc,
			cache.WithLayeredMemorySize(cfg.Cache.MemoryMaxSize),
			cache.WithLayeredMemoryTTL(cfg.Cache.MemoryTTL),
		)
	default:
		return cache.NewMemoryCache(cache.WithMemoryMaxSize(cfg.Cache.MemoryMaxSize))
	}
}

// ProvideClickHouseClient connects to ClickHouse when enabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideCorrelationStore creates the ClickHouse correlation table.
func ProvideCorrelationStore(ch *pkgch.Client, cfg *config.Config, l *logger.Logger) (*internalrepo.CHCorrelationStore, error) {
	if ch == nil {
		return nil, nil
	}
	s := internalrepo.NewCHCorrelationStore(ch.DB(), cfg.ClickHouse.CorrelationTable, l)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse correlations: %w", err)
	}
	return s, nil
}

// ProvideRefreshStore creates the ClickHouse refresh history. The store
// owns the client and closes it.
func ProvideRefreshStore(ch *pkgch.Client, cfg *config.Config) (repository.RefreshStore, error) {
	if ch == nil {
		return nil, nil
	}
	s := internalrepo.NewCHRefreshStore(ch.DB(), cfg.ClickHouse.HistoryTable, ch.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse history: %w", err)
	}
	return s, nil
}

// ProvideKafkaProducer creates a Kafka producer when enabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideEventPublisher publishes refresh events to Kafka when a producer exists.
func ProvideEventPublisher(producer *pkgkafka.Producer, cfg *config.Config) repository.EventPublisher {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.Topics.RefreshEvents)
}

// ProvideOptimizer creates the remote optimizer client.
func ProvideOptimizer(cfg *config.Config, l *logger.Logger) repository.Optimizer {
	return optimizer.New(optimizer.Config{
		URL:        cfg.Optimizer.URL,
		Timeout:    cfg.Optimizer.Timeout,
		MaxRetries: cfg.Optimizer.MaxRetries,
	}, l.With(logger.String("component", "optimizer")))
}

// ProvideChangeAggregator creates the cluster aggregator.
func ProvideChangeAggregator(cfg *config.Config, l *logger.Logger, m repository.Metrics) *usecase.ChangeAggregator {
	r := cfg.Refresh
	return usecase.NewChangeAggregator(
		usecase.WithClusterImpactThreshold(r.ClusterImpactThreshold),
		usecase.WithCorrelationClusterThreshold(r.CorrelationClusterThreshold),
		usecase.WithEMAAlpha(r.EMAAlpha),
		usecase.WithPrunePolicy(usecase.PrunePolicy{IdleAfter: r.PruneIdleAfter, ImpactFloor: r.PruneImpactFloor}),
		usecase.WithAggregatorLogger(l.With(logger.String("component", "aggregator"))),
		usecase.WithAggregatorMetrics(m),
	)
}

// ProvideCacheWarmScheduler creates the cache warm scheduler.
func ProvideCacheWarmScheduler(cfg *config.Config, store cache.Service, l *logger.Logger, m repository.Metrics) *usecase.CacheWarmScheduler {
	r := cfg.Refresh
	return usecase.NewCacheWarmScheduler(store,
		usecase.WithWarmClusterSizeThreshold(r.CacheWarmClusterSizeThreshold),
		usecase.WithWarmInterval(r.CacheWarmInterval),
		usecase.WithMaxConcurrentWarms(r.MaxConcurrentCacheWarms),
		usecase.WithWarmTimeout(r.CacheWarmTimeout),
		usecase.WithWarmTTL(r.CacheWarmTTL),
		usecase.WithDistributedLock(r.DistributedWarmLock),
		usecase.WithSchedulerLogger(l.With(logger.String("component", "cache_warm"))),
		usecase.WithSchedulerMetrics(m),
	)
}

// ProvideRefreshManager composes the refresh core.
func ProvideRefreshManager(
	cfg *config.Config,
	agg *usecase.ChangeAggregator,
	sched *usecase.CacheWarmScheduler,
	corr *internalrepo.CHCorrelationStore,
	pub repository.EventPublisher,
	store repository.RefreshStore,
	l *logger.Logger,
	m repository.Metrics,
) *usecase.RefreshManager {
	r := cfg.Refresh
	opts := []usecase.ManagerOption{
		usecase.WithScoreDeltaEpsilon(r.ScoreDeltaEpsilon),
		usecase.WithMinChangedEdges(r.MinChangedEdgesForLiveRefresh),
		usecase.WithMaxStalenessInterval(r.MaxStalenessInterval),
		usecase.WithMaxPartialRefreshAge(r.MaxPartialRefreshAge),
		usecase.WithOptimizerTimeout(r.OptimizerTimeout),
		usecase.WithManagerLogger(l.With(logger.String("component", "refresh_manager"))),
		usecase.WithManagerMetrics(m),
	}
	if corr != nil {
		opts = append(opts, usecase.WithCorrelationProvider(corr))
	}
	if pub != nil {
		opts = append(opts, usecase.WithEventPublisher(pub))
	}
	if store != nil {
		opts = append(opts, usecase.WithRefreshStore(store))
	}
	return usecase.NewRefreshManager(agg, sched, opts...)
}

// ProvideChangePipeline puts the pipeline in front of the manager.
func ProvideChangePipeline(cfg *config.Config, mgr *usecase.RefreshManager, l *logger.Logger, m repository.Metrics) *mid.ChangePipeline {
	sink := mid.SinkFunc(func(_ context.Context, ev models.EdgeChangeEvent) error {
		mgr.IngestEdgeChange(ev)
		return nil
	})
	return mid.NewChangePipeline(sink,
		mid.WithMaxRPS(cfg.Pipeline.MaxPerEdgeRPS),
		mid.WithBufferSize(cfg.Pipeline.BufferSize),
		mid.WithPipelineLogger(l.With(logger.String("component", "pipeline"))),
		mid.WithPipelineMetrics(m),
	)
}

// ProvideChangeCollector creates the odds feed collector when enabled.
func ProvideChangeCollector(cfg *config.Config, pipe *mid.ChangePipeline, l *logger.Logger, m repository.Metrics) *usecase.ChangeCollector {
	if !cfg.OddsFeed.Enabled {
		return nil
	}
	fl := l.With(logger.String("component", "oddsfeed"))
	stream := oddsfeed.New(oddsfeed.Config{
		APIKey:         cfg.OddsFeed.APIKey,
		WebSocketURL:   cfg.OddsFeed.WebSocketURL,
		Markets:        cfg.OddsFeed.Markets,
		ReconnectDelay: cfg.OddsFeed.ReconnectDelay,
		PingInterval:   cfg.OddsFeed.PingInterval,
	}, fl)
	return usecase.NewChangeCollector(stream, pipe, m, fl)
}

// ProvideKafkaConsumer creates a Kafka consumer when enabled.
func ProvideKafkaConsumer(cfg *config.Config, l *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	cl := l.With(logger.String("component", "kafka_consumer"))
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(cl),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.NewHookChain(
		pkgkafka.NewTracingHook(cl, time.Second),
		pkgkafka.NewPayloadGuard(cfg.Kafka.Consumer.MaxBytes),
	))
	return consumer, nil
}

// ProvideKafkaHandlers returns the topic handlers for the consumer.
func ProvideKafkaHandlers(cfg *config.Config, pipe *mid.ChangePipeline, mgr *usecase.RefreshManager, l *logger.Logger, m repository.Metrics) []pkgkafka.MessageHandler {
	if !cfg.Kafka.Enabled {
		return nil
	}
	return []pkgkafka.MessageHandler{
		usecase.NewEdgeChangeHandler(cfg.Kafka.Topics.EdgeChanges, pipe, m, l),
		usecase.NewCorrelationHandler(cfg.Kafka.Topics.Correlations, mgr, m, l),
	}
}

// ProvideRefreshLimiter limits queued refreshes per run.
func ProvideRefreshLimiter(cfg *config.Config) *ratelimit.Limiter {
	rps := float64(cfg.Pipeline.RefreshPerRunRPS)
	return ratelimit.New(rps, rps)
}

// ProvideRefreshQueue creates the Redis refresh queue when enabled.
func ProvideRefreshQueue(
	cfg *config.Config,
	rc *cache.RedisCache,
	mgr *usecase.RefreshManager,
	opt repository.Optimizer,
	limiter *ratelimit.Limiter,
	l *logger.Logger,
	m repository.Metrics,
) *queue.RedisQueue {
	if !cfg.Queue.Enabled || rc == nil {
		return nil
	}
	ql := l.With(logger.String("component", "refresh_queue"))
	q := queue.NewRedisQueue(ql, queue.QueueConfig{
		Workers:     cfg.Queue.Workers,
		RetryLimit:  cfg.Queue.MaxRetries,
		RetryBase:   cfg.Queue.RetryBase,
		RetryMax:    cfg.Queue.RetryMax,
		PollTimeout: cfg.Queue.PollInterval,
	}, rc.Client(),
		queue.WithKeyPrefix(cfg.Redis.Prefix+":queue:"+cfg.Queue.Name),
		queue.WithDedupTTL(cfg.Queue.DedupTTL),
	)
	q.RegisterJob(usecase.NewRefreshJob(mgr, opt, limiter, m, ql))
	return q
}

// ProvideHTTPHandler creates the REST handler.
func ProvideHTTPHandler(
	l *logger.Logger,
	mgr *usecase.RefreshManager,
	opt repository.Optimizer,
	pipe *mid.ChangePipeline,
	store repository.RefreshStore,
	corr *internalrepo.CHCorrelationStore,
	q *queue.RedisQueue,
) xhttp.Handler {
	var opts []api.HandlerOption
	if store != nil {
		opts = append(opts, api.WithRefreshStore(store))
	}
	if corr != nil {
		opts = append(opts, api.WithCorrelationSaver(corr))
	}
	if q != nil {
		opts = append(opts, api.WithEnqueuer(q))
	}
	return api.NewRefreshEchoHandler(l.With(logger.String("component", "api")), mgr, opt, pipe, opts...)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	mgr *usecase.RefreshManager,
	pipe *mid.ChangePipeline,
	collector *usecase.ChangeCollector,
	consumer *pkgkafka.Consumer,
	handlers []pkgkafka.MessageHandler,
	q *queue.RedisQueue,
	limiter *ratelimit.Limiter,
	h xhttp.Handler,
	producer *pkgkafka.Producer,
	pub repository.EventPublisher,
	store repository.RefreshStore,
	rc *cache.RedisCache,
	svc cache.Service,
) *server.App {
	if producer != nil && cfg.Log.Collector.Enabled {
		l.AddCollector(&logger.CollectionConfig{
			TimeInterval:   cfg.Log.Collector.Interval,
			CountThreshold: cfg.Log.Collector.CountThreshold,
			Topic:          cfg.Log.Collector.Topic,
			Publisher:      producer,
		})
	}

	// publisher wraps the producer, so the producer is closed through it
	var closers []io.Closer
	if pub != nil {
		closers = append(closers, pub)
	} else if producer != nil {
		closers = append(closers, producer)
	}
	if store != nil {
		closers = append(closers, store)
	}
	switch c := svc.(type) {
	case *cache.LayeredCache:
		// closes the redis layer too
		closers = append(closers, c)
	case *cache.MemoryCache:
		closers = append(closers, c)
		if rc != nil {
			closers = append(closers, rc)
		}
	default:
		if rc != nil {
			closers = append(closers, rc)
		}
	}

	return server.New(cfg, l, server.Components{
		Manager:   mgr,
		Pipeline:  pipe,
		Collector: collector,
		Consumer:  consumer,
		Handlers:  handlers,
		Queue:     q,
		Limiter:   limiter,
		HTTP:      h,
		Closers:   closers,
	})
}
