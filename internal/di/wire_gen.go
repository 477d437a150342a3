//go:build !wireinject
// +build !wireinject

// This file is kept by hand in step with the injector in wire.go; running
// go generate in this package replaces it with wire's output.

//go:generate go run -mod=mod github.com/google/wire/cmd/wire

package di

import (
	"EdgeRefresh/pkg/config"
	"EdgeRefresh/pkg/server"
)

// InitializeApp builds the application from the providers listed in wire.go.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	loggerLogger, err := ProvideLogger(cfg)
	if err != nil {
		return nil, err
	}
	metrics := ProvideMetrics()
	redisCache, err := ProvideRedisCache(cfg)
	if err != nil {
		return nil, err
	}
	service := ProvideCacheService(cfg, redisCache)
	client, err := ProvideClickHouseClient(cfg)
	if err != nil {
		return nil, err
	}
	chCorrelationStore, err := ProvideCorrelationStore(client, cfg, loggerLogger)
	if err != nil {
		return nil, err
	}
	refreshStore, err := ProvideRefreshStore(client, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := ProvideKafkaProducer(cfg)
	if err != nil {
		return nil, err
	}
	eventPublisher := ProvideEventPublisher(producer, cfg)
	optimizer := ProvideOptimizer(cfg, loggerLogger)
	changeAggregator := ProvideChangeAggregator(cfg, loggerLogger, metrics)
	cacheWarmScheduler := ProvideCacheWarmScheduler(cfg, service, loggerLogger, metrics)
	refreshManager := ProvideRefreshManager(cfg, changeAggregator, cacheWarmScheduler, chCorrelationStore, eventPublisher, refreshStore, loggerLogger, metrics)
	changePipeline := ProvideChangePipeline(cfg, refreshManager, loggerLogger, metrics)
	changeCollector := ProvideChangeCollector(cfg, changePipeline, loggerLogger, metrics)
	consumer, err := ProvideKafkaConsumer(cfg, loggerLogger)
	if err != nil {
		return nil, err
	}
	v := ProvideKafkaHandlers(cfg, changePipeline, refreshManager, loggerLogger, metrics)
	limiter := ProvideRefreshLimiter(cfg)
	redisQueue := ProvideRefreshQueue(cfg, redisCache, refreshManager, optimizer, limiter, loggerLogger, metrics)
	handler := ProvideHTTPHandler(loggerLogger, refreshManager, optimizer, changePipeline, refreshStore, chCorrelationStore, redisQueue)
	app := ProvideApp(cfg, loggerLogger, refreshManager, changePipeline, changeCollector, consumer, v, redisQueue, limiter, handler, producer, eventPublisher, refreshStore, redisCache, service)
	return app, nil
}
