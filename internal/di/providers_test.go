package di

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeRefresh/pkg/cache"
	"EdgeRefresh/pkg/config"
)

func TestInitializeApp_LocalOnly(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	app, err := InitializeApp(cfg)
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.NotNil(t, app.Server())
}

func TestProvideCacheService_FallsBackToMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Backend = "redis"
	_, ok := ProvideCacheService(cfg, nil).(*cache.MemoryCache)
	assert.True(t, ok)
}

func TestOptionalProvidersDisabled(t *testing.T) {
	cfg := config.Default()

	rc, err := ProvideRedisCache(cfg)
	require.NoError(t, err)
	assert.Nil(t, rc)

	ch, err := ProvideClickHouseClient(cfg)
	require.NoError(t, err)
	assert.Nil(t, ch)

	store, err := ProvideRefreshStore(ch, cfg)
	require.NoError(t, err)
	assert.Nil(t, store)

	p, err := ProvideKafkaProducer(cfg)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Nil(t, ProvideEventPublisher(p, cfg))
	assert.Nil(t, ProvideChangeCollector(cfg, nil, nil, nil))
}
