package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/contactdir/config"
	"github.com/migadu/contactdir/contact"
	"github.com/migadu/contactdir/directory"
	"github.com/migadu/contactdir/helpers"
	"github.com/migadu/contactdir/logger"
	"github.com/migadu/contactdir/pkg/health"
	"github.com/migadu/contactdir/pkg/metrics"
	"github.com/migadu/contactdir/pkg/searchcache"
	"github.com/migadu/contactdir/server/httpapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	logOutput := flag.String("logoutput", "", "Override logging.output (stderr, stdout, syslog or a file path)")
	httpAddr := flag.String("httpaddr", "", "Override http_api.addr")
	metricsAddr := flag.String("metricsaddr", "", "Override metrics.addr")
	flag.Parse()

	if *showVersion {
		fmt.Printf("contactdir version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := loadConfig(*configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "CONTACTDIR: %v\n", err)
		os.Exit(1)
	}
	if *logOutput != "" {
		cfg.Logging.Output = *logOutput
	}
	if *httpAddr != "" {
		cfg.HTTPAPI.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "CONTACTDIR: invalid configuration in %s:\n%v\n", *configPath, err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONTACTDIR: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("contactdir starting", "version", version, "commit", commit, "built", date)
	logger.Info("Directory configured", "url", helpers.MaskURL(cfg.Directory.URL), "base_dn", cfg.Directory.BaseDN,
		"scope", cfg.Directory.Scope, "folder_id", cfg.Directory.FolderID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	provider, err := newProvider(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize directory provider", "error", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := provider.Close(closeCtx); err != nil {
			logger.Warn("Error closing directory provider", "error", err)
		}
	}()

	monitor := health.NewHealthMonitor()
	monitor.RegisterCheck(health.DirectoryCheck(provider, 30*time.Second))
	if breaker := provider.Breaker(); breaker != nil {
		monitor.RegisterCheck(health.CircuitBreakerCheck(breaker, 15*time.Second))
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(provider, 30*time.Second)
		go collector.Start(ctx)
		defer collector.Stop()

		wg.Add(1)
		go func() {
			defer wg.Done()
			startMetricsServer(ctx, cfg.Metrics, errChan)
		}()
	}

	if cfg.HTTPAPI.Start {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := httpapi.OptionsFromConfig(cfg.HTTPAPI)
			opts.Health = monitor
			httpapi.Start(ctx, provider, opts, errChan)
		}()
	} else {
		logger.Warn("http_api.start is false, only metrics are served")
	}

	select {
	case <-ctx.Done():
	case err := <-errChan:
		logger.Error("Server error, shutting down", "error", err)
		cancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}
}

// loadConfig reads configPath over the defaults. A missing default file is
// not an error; a missing explicitly named one is.
func loadConfig(configPath string, cfg *config.Config) error {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && configPath == "config.toml" {
			fmt.Fprintf(os.Stderr, "CONTACTDIR: WARNING: default configuration file '%s' not found. Using application defaults.\n", configPath)
			return nil
		}
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}
	return nil
}

func newProvider(cfg config.Config) (*directory.Provider, error) {
	opts := []directory.Option{directory.WithSearchConfig(cfg.Search)}

	if cfg.Cache.Enabled {
		ttl, err := cfg.Cache.GetTTL()
		if err != nil {
			return nil, fmt.Errorf("invalid cache ttl: %w", err)
		}
		cleanup, err := cfg.Cache.GetCleanupInterval()
		if err != nil {
			return nil, fmt.Errorf("invalid cache cleanup interval: %w", err)
		}
		cache := searchcache.New[[]*contact.Contact](ttl, cfg.Cache.MaxEntries, cleanup)
		opts = append(opts, directory.WithCache(cache))
		logger.Info("Search cache enabled", "ttl", ttl, "max_entries", cfg.Cache.MaxEntries)
	}

	return directory.New(cfg.Directory, cfg.Mapping, opts...)
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
