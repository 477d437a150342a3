package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_RefreshKnobs(t *testing.T) {
	c := Default()

	assert.Equal(t, 0.3, c.Refresh.ClusterImpactThreshold)
	assert.Equal(t, 0.4, c.Refresh.CorrelationClusterThreshold)
	assert.Equal(t, 0.3, c.Refresh.EMAAlpha)
	assert.Equal(t, 0.001, c.Refresh.ScoreDeltaEpsilon)
	assert.Equal(t, 5, c.Refresh.CacheWarmClusterSizeThreshold)
	assert.Equal(t, 300*time.Second, c.Refresh.CacheWarmInterval)
	assert.Equal(t, 3, c.Refresh.MaxConcurrentCacheWarms)
	assert.Equal(t, 0, c.Refresh.MinChangedEdgesForLiveRefresh)
	assert.Equal(t, "memory", c.Cache.Backend)
	require.NoError(t, c.Validate())
}

func TestParse_OverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
environment: test
refresh:
  cluster_impact_threshold: 0.5
  min_changed_edges_for_live_refresh: 3
  max_staleness_interval: 2m
`))
	require.NoError(t, err)

	assert.Equal(t, "test", c.Environment)
	assert.Equal(t, 0.5, c.Refresh.ClusterImpactThreshold)
	assert.Equal(t, 3, c.Refresh.MinChangedEdgesForLiveRefresh)
	assert.Equal(t, 2*time.Minute, c.Refresh.MaxStalenessInterval)
	// untouched knobs keep their defaults
	assert.Equal(t, 0.4, c.Refresh.CorrelationClusterThreshold)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"impact threshold above one", "refresh:\n  cluster_impact_threshold: 1.5\n"},
		{"zero alpha", "refresh:\n  ema_alpha: 0\n"},
		{"zero warm slots", "refresh:\n  max_concurrent_cache_warms: 0\n"},
		{"unknown cache backend", "cache:\n  backend: disk\n"},
		{"redis cache without redis", "cache:\n  backend: redis\n"},
		{"queue without redis", "queue:\n  enabled: true\n"},
		{"unknown environment", "environment: moon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadWithEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: staging\n"), 0o600))

	t.Setenv("OPTIMIZER_URL", "http://optimizer:9000")
	t.Setenv("MIN_CHANGED_EDGES_FOR_LIVE_REFRESH", "7")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", c.Environment)
	assert.Equal(t, "http://optimizer:9000", c.Optimizer.URL)
	assert.Equal(t, 7, c.Refresh.MinChangedEdgesForLiveRefresh)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadWithEnv_Lists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: test\n"), 0o600))

	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("ODDS_FEED_MARKETS", "nba,nfl")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, []string{"nba", "nfl"}, c.OddsFeed.Markets)
}

func TestLoad_ExampleFile(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10, c.Refresh.MinChangedEdgesForLiveRefresh)
	assert.Equal(t, time.Hour, c.Refresh.PruneIdleAfter)
	assert.Equal(t, "memory", c.Cache.Backend)
}

func TestServer_CORSOrigins(t *testing.T) {
	c := Default()
	assert.Equal(t, []string{"*"}, c.Server.CORSOrigins)
	assert.Equal(t, 10*time.Minute, c.Server.CORSMaxAge)

	c, err := Parse([]byte("server:\n  cors_origins: [\"https://ops.example.test\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ops.example.test"}, c.Server.CORSOrigins)

	_, err = Parse([]byte("server:\n  cors_origins: [\"\"]\n"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: test\n"), 0o600))
	t.Setenv("SERVER_CORS_ORIGINS", "")
	c, err = LoadWithEnv(path)
	require.NoError(t, err)
	assert.Empty(t, c.Server.CORSOrigins, "an empty override disables CORS")
}
