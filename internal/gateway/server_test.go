package gateway

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basketmesh/basketmesh/internal/cache"
	"github.com/basketmesh/basketmesh/internal/config"
	"github.com/basketmesh/basketmesh/pkg/basket"
)

func TestNewCache_BadgerKeepOnStart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Index.Backend = config.BackendBadger
	cfg.Index.DataDir = dir
	cfg.Index.KeepOnStart = true

	c, err := NewCache(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Insert("p1", basket.MustParse("1.0.1"), "/data"))
	require.NoError(t, c.Close())

	c, err = NewCache(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	require.NoError(t, c.Close())

	cfg.Index.KeepOnStart = false
	c, err = NewCache(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	require.NoError(t, c.Close())
}

func TestNewCache_PlacementClasses(t *testing.T) {
	cfg := config.Default()
	cfg.Placement.DefaultClass = "std"
	cfg.Placement.Classes = map[string][]string{
		"std":  {"p1", "p2"},
		"fast": {"p3"},
	}

	c, err := NewCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	for _, p := range []string{"p1", "p2", "p3"} {
		require.NoError(t, c.SetStatus(p, cache.StatusActive, 1000))
	}

	assert.ElementsMatch(t, []string{"p1", "p2"}, c.FindPeers(10, ""))
	assert.Equal(t, []string{"p3"}, c.FindPeers(10, "fast"))
	assert.Empty(t, c.FindPeers(10, "archive"))
}

func TestNewServer_RequiresConfigAndCache(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestServer_Run(t *testing.T) {
	m := newTestMetrics(t)
	cfg := config.Default()
	cfg.Name = "gw-test"
	cfg.Gateway = testGatewayConfig(t)
	cfg.Admin.Listen = "127.0.0.1:0"
	cfg.Admin.Token = ""
	cfg.Cache.PeerRetention = config.Duration(time.Hour)

	c, err := NewCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	s, err := NewServer(Options{
		Config:          cfg,
		Cache:           c,
		Metrics:         m,
		Instance:        "inst-1",
		CollectInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	require.NotNil(t, s.UDPAddr())
	require.NotNil(t, s.AdminAddr())

	client, err := DialConsole(ctx, s.ConsoleAddr().String(), 5*time.Second)
	require.NoError(t, err)
	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(15), status["CACHE_EXPIRE"])
	require.NoError(t, client.Close())

	resp, err := http.Get("http://" + s.AdminAddr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RunWithoutAdmin(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway = testGatewayConfig(t)
	cfg.Admin.Enabled = false

	c, err := NewCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	s, err := NewServer(Options{Config: cfg, Cache: c})
	require.NoError(t, err)
	assert.Nil(t, s.AdminAddr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-s.Ready()
	cancel()
	assert.NoError(t, <-done)
}
