// basketgw is the basket location gateway.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/basketmesh/basketmesh/internal/config"
	"github.com/basketmesh/basketmesh/internal/gateway"
	"github.com/basketmesh/basketmesh/internal/logging/loki"
	"github.com/basketmesh/basketmesh/internal/metrics"
	"github.com/basketmesh/basketmesh/internal/tracing"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	importFile    string
	enableTracing bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "basketgw",
		Short: "basketgw - basket location gateway",
		Long: `basketgw answers where baskets live and where new ones should go.

Peers announce their health and the baskets they store over multicast;
clients ask the gateway over UDP. The console and admin API expose the
cache state.

QUICK START:

  # Write a default configuration:
  basketgw init -o /etc/basketgw.yaml

  # Run the gateway:
  basketgw serve -c /etc/basketgw.yaml

  # Inspect it:
  basketgw status
  basketgw dump

For more help on any command, use: basketgw <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway until interrupted.

Examples:
  # Start with defaults (memory index, ports 30109-30113)
  basketgw serve

  # Warm the cache from an export taken on another gateway
  basketgw serve -c gw.yaml --import baskets.zst`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	serveCmd.Flags().StringVar(&importFile, "import", "", "load a zstd dump into the cache before serving")
	serveCmd.Flags().BoolVar(&enableTracing, "enable-tracing", false, "enable runtime tracing (exposes /debug/trace on the admin API)")
	rootCmd.AddCommand(serveCmd)

	// Console and admin clients
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newDumpCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newExportCmd())

	// Offline basket tools
	rootCmd.AddCommand(newParseCmd())
	rootCmd.AddCommand(newPathCmd())

	// Init command - write a default config
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
	initCmd.Flags().StringP("output", "o", "basketgw.yaml", "output file")
	initCmd.Flags().Bool("force", false, "overwrite an existing file")
	rootCmd.AddCommand(initCmd)

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "basketgw %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// loadConfig reads --config, or returns the defaults when it is not set.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfg := config.Default()
		if host, err := os.Hostname(); err == nil {
			cfg.Name = host
		}
		return cfg, nil
	}
	return config.Load(cfgFile)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	instance := uuid.NewString()
	closer := setupLogging(cfg.Log, map[string]string{"gateway": cfg.Name})
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	log.Logger = log.With().Str("instance", instance).Logger()
	logStartup()

	var tracer *tracing.Recorder
	if enableTracing || cfg.Admin.Trace {
		tracer, err = tracing.Start(tracing.DefaultBufferSize)
		if err != nil {
			log.Warn().Err(err).Msg("failed to start runtime tracing")
		} else {
			log.Info().Msg("runtime tracing enabled")
			defer tracer.Stop()
		}
	}

	c, err := gateway.NewCache(cfg)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close index")
		}
	}()

	if importFile != "" {
		if err := importDump(c, importFile, cfg.Cache.BasketBaseDir); err != nil {
			return err
		}
	}

	srv, err := gateway.NewServer(gateway.Options{
		Config:   cfg,
		Cache:    c,
		Metrics:  metrics.InitMetrics(cfg.Name, instance, Version),
		Instance: instance,
		Tracer:   tracer,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return srv.Run(ctx)
}

type importer interface {
	Import(r io.Reader, base string) (int, error)
}

func importDump(c importer, path, base string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer func() { _ = f.Close() }()

	n, err := c.Import(f, base)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	log.Info().Int("entries", n).Str("file", path).Msg("cache warmed from dump")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", output)
	}

	data, err := config.Default().Marshal()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
	return nil
}

// setupLogging configures the global logger. The returned closer, if any,
// flushes the extra sinks configured in lc.
func setupLogging(lc config.LogConfig, lokiLabels map[string]string) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || lc.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	var sinks closers
	if lc.File != "" {
		file := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   lc.Compress,
		}
		writers = append(writers, file)
		sinks = append(sinks, file)
	}
	if lc.LokiURL != "" {
		lw := loki.NewWriter(loki.Config{URL: lc.LokiURL, Labels: lokiLabels})
		writers = append(writers, lw)
		sinks = append(sinks, lw)
	}

	if len(writers) == 1 {
		log.Logger = log.Output(writers[0])
		return nil
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(writers...))
	return sinks
}

// closers closes in reverse order and returns the first error.
type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func logStartup() {
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Str("go", runtime.Version()).
		Str("os_arch", runtime.GOOS+"/"+runtime.GOARCH).
		Msg("basketgw starting")
}
