//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"EdgeRefresh/pkg/config"
	"EdgeRefresh/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideRedisCache,
		ProvideCacheService,
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,

		// Repositories
		ProvideCorrelationStore,
		ProvideRefreshStore,
		ProvideEventPublisher,
		ProvideOptimizer,

		// Use cases
		ProvideChangeAggregator,
		ProvideCacheWarmScheduler,
		ProvideRefreshManager,
		ProvideChangePipeline,
		ProvideChangeCollector,
		ProvideKafkaHandlers,
		ProvideRefreshLimiter,
		ProvideRefreshQueue,

		// Transport and application
		ProvideHTTPHandler,
		ProvideApp,
	)
	return &server.App{}, nil
}
