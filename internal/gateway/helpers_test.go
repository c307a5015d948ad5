package gateway

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/basketmesh/basketmesh/internal/cache"
	"github.com/basketmesh/basketmesh/internal/metrics"
	"github.com/basketmesh/basketmesh/pkg/basket"
	"github.com/basketmesh/basketmesh/pkg/proto"
	"github.com/basketmesh/basketmesh/testutil"
)

// newTestMetrics swaps in a fresh registry so InitMetrics can run once per test.
func newTestMetrics(t *testing.T) *metrics.GatewayMetrics {
	t.Helper()
	oldRegistry := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	t.Cleanup(func() { metrics.Registry = oldRegistry })
	return metrics.InitMetrics("gw-test", "instance", "test")
}

type repoOption func(*RepositoryConfig)

func withMetrics(m *metrics.GatewayMetrics) repoOption {
	return func(c *RepositoryConfig) { c.Metrics = m }
}

func newTestRepo(t *testing.T, opts ...repoOption) (*Repository, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	logger := zerolog.Nop()
	c, err := cache.New(cache.Options{
		CacheSize:        500000,
		WatchdogLimit:    15 * time.Second,
		ReturnPeerNumber: 5,
		Logger:           &logger,
		Clock:            clock.Now,
		Rand:             rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	cfg := RepositoryConfig{
		Converters: basket.DefaultConverterTable(),
		BaseDir:    "/expdsk",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewRepository(c, cfg), clock
}

func command(t *testing.T, op proto.Opcode, operand interface{}) proto.Envelope {
	t.Helper()
	env, err := proto.NewCommand(op, operand)
	require.NoError(t, err)
	return env
}

func requireCode(t *testing.T, env proto.Envelope, code string) {
	t.Helper()
	var perr *proto.Error
	require.ErrorAs(t, env.Err(), &perr)
	require.Equal(t, code, perr.Code)
}

// seed registers p1 as active and stores 10.1.1 on it under /data.
func seed(t *testing.T, r *Repository) basket.Key {
	t.Helper()
	k := basket.MustParse("10.1.1")
	require.NoError(t, r.Cache().SetStatus("p1", cache.StatusActive, 1<<20))
	require.NoError(t, r.Cache().Insert("p1", k, "/data"))
	return k
}
