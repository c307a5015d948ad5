package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basketmesh/basketmesh/internal/cache"
	"github.com/basketmesh/basketmesh/internal/config"
	"github.com/basketmesh/basketmesh/internal/gateway"
	"github.com/basketmesh/basketmesh/pkg/basket"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, logLevel, importFile, enableTracing = "", "info", "", false

	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	logger := zerolog.Nop()
	c, err := cache.New(cache.Options{
		CacheSize:        500000,
		WatchdogLimit:    15 * time.Second,
		ReturnPeerNumber: 5,
		Logger:           &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// startConsole serves a console for c and returns its address.
func startConsole(t *testing.T, c *cache.Cache) string {
	t.Helper()
	repo := gateway.NewRepository(c, gateway.RepositoryConfig{BaseDir: "/expdsk"})
	s := gateway.NewConsoleServer("127.0.0.1:0", repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Listen(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s.Addr().String()
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "basketgw dev")
	assert.Contains(t, out, "Commit:")
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yaml")

	out, err := execute(t, "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30111, cfg.Gateway.UDPPort)
	assert.Equal(t, 15*time.Second, cfg.Cache.WatchdogLimit.Std())

	_, err = execute(t, "init", "-o", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "init", "-o", path, "--force")
	require.NoError(t, err)
}

func TestParse(t *testing.T) {
	out, err := execute(t, "parse", "291.1.3")
	require.NoError(t, err)
	assert.Contains(t, out, "Content:  291")
	assert.Contains(t, out, "Revision: 3")
	assert.Contains(t, out, "Encoder:  Dec40Seq")

	_, err = execute(t, "parse", "291.1")
	var perr *basket.ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestPath(t *testing.T) {
	out, err := execute(t, "path", "--base", "/data", "10.1.1", "1234567.2.1")
	require.NoError(t, err)
	assert.Equal(t, "/data/1/baskets/a/0/000/000/10.1.1\n/data/2/baskets/a/0/001/234/1234567.2.1\n", out)

	out, err = execute(t, "path", "10.1.1")
	require.NoError(t, err)
	assert.Equal(t, "/expdsk/1/baskets/a/0/000/000/10.1.1\n", out)
}

func TestPath_UsesConfiguredConverters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("converters:\n  Hex64Seq: \"0-65535\"\n  Dec40Seq: \"\"\n"), 0o600))

	out, err := execute(t, "path", "-c", path, "--base", "/d", "1.1.2")
	require.NoError(t, err)
	assert.Equal(t, "/d/1/baskets/a/0/000/000/000/000/0000000000000001.1.2\n", out)
}

func TestDialable(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"0.0.0.0", 30110, "127.0.0.1:30110"},
		{"", 30110, "127.0.0.1:30110"},
		{"::", 1, "127.0.0.1:1"},
		{"10.0.0.5", 30110, "10.0.0.5:30110"},
		{"gw.example.com", 80, "gw.example.com:80"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, dialable(tt.host, tt.port))
		})
	}

	assert.Equal(t, "127.0.0.1:30180", adminDialable(config.AdminConfig{Listen: "0.0.0.0:30180"}))
	assert.Equal(t, "bogus", adminDialable(config.AdminConfig{Listen: "bogus"}))
}

func TestConsoleCommands(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetStatus("p1", cache.StatusActive, 1<<20))
	require.NoError(t, c.Insert("p1", basket.MustParse("1.0.1"), "/data"))
	require.NoError(t, c.Insert("p2", basket.MustParse("2.0.1"), "/data"))
	addr := startConsole(t, c)

	out, err := execute(t, "status", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "CACHE_EXPIRE")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, len(cache.Metrics()))

	out, err = execute(t, "dump", "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, "p1: 1.0.1\np2: 2.0.1\n", out)

	out, err = execute(t, "purge", "--addr", addr, "p2")
	require.NoError(t, err)
	assert.Equal(t, "p2: 1 entries purged\n", out)
	assert.Equal(t, 1, c.Len())

	_, err = execute(t, "purge", "--addr", addr)
	assert.Error(t, err)
}

func TestStatus_Unreachable(t *testing.T) {
	_, err := execute(t, "status", "--addr", "127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to 127.0.0.1:1")
}

func TestExportThenImport(t *testing.T) {
	src := newTestCache(t)
	require.NoError(t, src.Insert("p1", basket.MustParse("1.0.1"), "/data"))
	require.NoError(t, src.Insert("p2", basket.MustParse("2.0.1"), "/data"))

	repo := gateway.NewRepository(src, gateway.RepositoryConfig{})
	admin, err := gateway.NewAdminServer(gateway.AdminConfig{Token: "tok"}, repo, nil)
	require.NoError(t, err)
	t.Cleanup(admin.Close)
	srv := httptest.NewServer(admin)
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	output := filepath.Join(t.TempDir(), "baskets.zst")
	_, err = execute(t, "export", "--admin", host, "--token", "wrong", "-o", output)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	out, err := execute(t, "export", "--admin", host, "--token", "tok", "-o", output, "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+output)

	dst := newTestCache(t)
	require.NoError(t, importDump(dst, output, "/restored"))
	assert.Equal(t, 1, dst.Len())

	var buf bytes.Buffer
	require.NoError(t, dst.Dump(&buf))
	assert.Equal(t, "p1: 1.0.1\n\n", buf.String())
}

func TestImportDump_MissingFile(t *testing.T) {
	err := importDump(newTestCache(t), filepath.Join(t.TempDir(), "nope.zst"), "/b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open import file")
}

func TestSetupLogging_File(t *testing.T) {
	oldLogger, oldLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = oldLogger
		zerolog.SetGlobalLevel(oldLevel)
	})

	path := filepath.Join(t.TempDir(), "gw.log")
	closer := setupLogging(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1}, nil)
	require.NotNil(t, closer)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	log.Debug().Str("peer", "p1").Msg("hello from test")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
	assert.Contains(t, string(data), `"peer":"p1"`)
}

func TestSetupLogging_BadLevel(t *testing.T) {
	oldLogger, oldLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = oldLogger
		zerolog.SetGlobalLevel(oldLevel)
	})

	assert.Nil(t, setupLogging(config.LogConfig{Level: "loud"}, nil))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestSetupLogging_Loki(t *testing.T) {
	oldLogger, oldLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = oldLogger
		zerolog.SetGlobalLevel(oldLevel)
	})

	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, r.URL.Path+" "+string(data))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	closer := setupLogging(config.LogConfig{Level: "info", LokiURL: srv.URL}, map[string]string{"gateway": "gw1"})
	require.NotNil(t, closer)
	log.Info().Msg("shipped to loki")
	require.NoError(t, closer.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.True(t, strings.HasPrefix(bodies[0], "/loki/api/v1/push "))
	assert.Contains(t, bodies[0], "shipped to loki")
	assert.Contains(t, bodies[0], `"gateway":"gw1"`)
}
