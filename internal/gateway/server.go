package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/basketmesh/basketmesh/internal/cache"
	"github.com/basketmesh/basketmesh/internal/config"
	"github.com/basketmesh/basketmesh/internal/logging/audit"
	"github.com/basketmesh/basketmesh/internal/metrics"
	"github.com/basketmesh/basketmesh/internal/tracing"
)

// DefaultCollectInterval is how often cache gauges are refreshed.
const DefaultCollectInterval = 15 * time.Second

// NewCache builds the location cache described by cfg. A badger index is
// wiped unless index.keep_on_start is set.
func NewCache(cfg *config.Config) (*cache.Cache, error) {
	logger := log.With().Str("component", "cache").Logger()

	var idx cache.Index
	switch cfg.Index.Backend {
	case config.BackendBadger:
		b, err := cache.OpenBadgerIndex(cfg.Index.DataDir, logger)
		if err != nil {
			return nil, err
		}
		if !cfg.Index.KeepOnStart && b.Len() > 0 {
			log.Info().Int("entries", b.Len()).Str("dir", cfg.Index.DataDir).Msg("clearing persisted index")
			if err := b.Clear(); err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("clear index: %w", err)
			}
		}
		idx = b
	default:
		idx = cache.NewMemoryIndex()
	}

	var filter cache.ClassFilter
	if len(cfg.Placement.Classes) > 0 {
		filter = cache.NewAllowList(cfg.Placement.DefaultClass, cfg.Placement.Classes)
	}

	c, err := cache.New(cache.Options{
		CacheSize:        cfg.Cache.Size.Bytes(),
		WatchdogLimit:    cfg.Cache.WatchdogLimit.Std(),
		ReturnPeerNumber: cfg.Cache.ReturnPeerNumber,
		Index:            idx,
		Filter:           filter,
		Logger:           &logger,
	})
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	return c, nil
}

// Options configures a Server.
type Options struct {
	Config   *config.Config
	Cache    *cache.Cache
	Metrics  *metrics.GatewayMetrics // Optional
	Instance string
	// CollectInterval defaults to DefaultCollectInterval.
	CollectInterval time.Duration
	// Tracer is served on the admin API when set.
	Tracer *tracing.Recorder
}

// Server runs every gateway listener against one cache.
type Server struct {
	cfg       *config.Config
	cache     *cache.Cache
	repo      *Repository
	udp       *UDPServer
	console   *ConsoleServer
	admin     *AdminServer
	collector *metrics.Collector
	interval  time.Duration
	ready     chan struct{}
}

// NewServer assembles a gateway.
func NewServer(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil || opts.Cache == nil {
		return nil, errors.New("config and cache are required")
	}
	table, err := cfg.ConverterTable()
	if err != nil {
		return nil, err
	}

	repo := NewRepository(opts.Cache, RepositoryConfig{
		Converters:     table,
		BaseDir:        cfg.Cache.BasketBaseDir,
		PreferCapacity: cfg.Placement.PreferCapacity,
		Metrics:        opts.Metrics,
		Audit:          audit.NewLogger(log.Logger),
	})

	s := &Server{
		cfg:      cfg,
		cache:    opts.Cache,
		repo:     repo,
		udp:      NewUDPServer(cfg.Gateway, repo, opts.Metrics),
		console:  NewConsoleServer(hostPort(cfg.Gateway.Listen, cfg.Gateway.ConsolePort), repo, opts.Metrics),
		interval: opts.CollectInterval,
		ready:    make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultCollectInterval
	}
	if opts.Metrics != nil {
		s.collector = metrics.NewCollector(opts.Metrics, opts.Cache)
	}
	if cfg.Admin.Enabled {
		s.admin, err = NewAdminServer(AdminConfig{
			Listen:   cfg.Admin.Listen,
			Token:    cfg.Admin.Token,
			Gateway:  cfg.Name,
			Instance: opts.Instance,
			Tracer:   opts.Tracer,
		}, repo, opts.Metrics)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Ready is closed once every socket is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Repository returns the command dispatcher.
func (s *Server) Repository() *Repository {
	return s.repo
}

// UDPAddr returns the unicast request address once Ready.
func (s *Server) UDPAddr() net.Addr { return s.udp.Addr() }

// ConsoleAddr returns the console address once Ready.
func (s *Server) ConsoleAddr() net.Addr { return s.console.Addr() }

// AdminAddr returns the admin address once Ready, or nil when disabled.
func (s *Server) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.Addr()
}

func (s *Server) listen(ctx context.Context) error {
	if err := s.udp.Listen(ctx); err != nil {
		return err
	}
	if err := s.console.Listen(ctx); err != nil {
		s.udp.closeConns()
		return err
	}
	if s.admin != nil {
		if err := s.admin.Listen(ctx); err != nil {
			s.udp.closeConns()
			_ = s.console.ln.Close()
			return err
		}
	}
	return nil
}

// Run binds every listener and serves until ctx is cancelled or a listener
// fails. The cache is left open for the caller to close.
func (s *Server) Run(ctx context.Context) error {
	if err := s.listen(ctx); err != nil {
		if s.admin != nil {
			s.admin.Close()
		}
		return err
	}
	close(s.ready)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.udp.Serve(ctx) })
	g.Go(func() error { return s.console.Serve(ctx) })
	if s.admin != nil {
		g.Go(func() error { return s.admin.Serve(ctx) })
	}
	if retention := s.cfg.Cache.PeerRetention.Std(); retention > 0 {
		interval := s.cfg.Cache.SweepInterval.Std()
		g.Go(func() error { return s.cache.RunSweeper(ctx, interval, retention) })
	}
	if s.collector != nil {
		g.Go(func() error {
			s.collector.Run(ctx, s.interval)
			return nil
		})
	}

	log.Info().
		Str("gateway", s.cfg.Name).
		Str("backend", s.cfg.Index.Backend).
		Dur("watchdog_limit", s.cfg.Cache.WatchdogLimit.Std()).
		Int("return_peer_number", s.cfg.Cache.ReturnPeerNumber).
		Msg("gateway running")

	err := g.Wait()
	log.Info().Msg("gateway stopped")
	return err
}
