package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/StrathCole/oracle-guard/pkg/cache"
	"github.com/StrathCole/oracle-guard/pkg/config"
	"github.com/StrathCole/oracle-guard/pkg/guard"
	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/metrics"
	"github.com/StrathCole/oracle-guard/pkg/server/aggregator"
	"github.com/StrathCole/oracle-guard/pkg/server/api"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
	"github.com/StrathCole/oracle-guard/pkg/server/refresher"
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
	"github.com/StrathCole/oracle-guard/pkg/version"

	// Import providers to register them
	_ "github.com/StrathCole/oracle-guard/pkg/server/sources/httpjson"
	_ "github.com/StrathCole/oracle-guard/pkg/server/sources/peer"
	_ "github.com/StrathCole/oracle-guard/pkg/server/sources/static"
)

var (
	configFile = flag.String("config", "config/config.yaml", "Path to configuration file")
	showVer    = flag.Bool("version", false, "Show version and exit")
	validate   = flag.Bool("validate", false, "Validate the configuration and exit")
	noRefresh  = flag.Bool("no-refresh", false, "Disable scheduled feed refresh")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("oracle-guard version %s\n", version.Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *validate {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("Starting oracle-guard", "version", version.Version, "feeds", len(cfg.Feeds))

	metrics.Init()
	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("Starting metrics server", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metrics.ServeHTTP(cfg.Metrics.Addr, cfg.Metrics.Path); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- run(ctx, cfg, logger)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.Error("Server failed", "error", err)
			cancel()
			os.Exit(1)
		}
	}
	logger.Info("Shutdown complete")
}

// run wires every component and blocks until ctx is done or the HTTP server
// fails.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	collector, err := buildCollector(cfg, logger)
	if err != nil {
		return err
	}

	g, err := guard.New(cfg.GuardConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create guard: %w", err)
	}

	resultCache, err := cache.New(ctx, cfg.CacheOptions(), logger)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	defer func() {
		if err := resultCache.Close(); err != nil {
			logger.Warn("Failed to close cache", "error", err)
		}
	}()
	logger.Info("Created consensus cache", "backend", cfg.Cache.Backend)

	opts := []query.Option{query.WithCache(resultCache)}
	var wsServer *api.WebSocketServer
	if cfg.Server.WebSocket.Enabled {
		wsServer = api.NewWebSocketServer(cfg.Server.WebSocket.Addr, logger)
		opts = append(opts, query.WithPublisher(wsServer))
	}

	svc, err := query.NewService(cfg.QueryConfig(), collector, aggregator.NewEngine(logger), g, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create query service: %w", err)
	}

	server := api.NewServer(cfg.Server.HTTP.Addr, svc, cfg.Server.RequestTimeout.ToDuration(), logger)
	if cfg.Server.HTTP.TLS.Enabled {
		server.SetTLS(cfg.Server.HTTP.TLS.Cert, cfg.Server.HTTP.TLS.Key)
	}
	if wsServer != nil {
		server.SetWebSocketServer(wsServer)
		go func() {
			if err := wsServer.Start(ctx); err != nil {
				logger.Error("WebSocket server error", "error", err)
			}
		}()
	}

	var sched *refresher.Refresher
	if !*noRefresh {
		sched, err = buildRefresher(cfg, svc, logger)
		if err != nil {
			return err
		}
		if sched != nil {
			sched.RefreshAll(ctx)
			sched.Start(ctx)
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if sched != nil {
			sched.Stop()
		}
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", "error", err)
		}
		if wsServer != nil {
			wsServer.Stop()
		}
	}()

	return server.Start()
}

func buildCollector(cfg *config.Config, logger *logging.Logger) (*sources.Collector, error) {
	collector := sources.NewCollector(logger)
	for _, sourceCfg := range cfg.EnabledSources() {
		logger.Info("Initializing provider", "type", sourceCfg.Type, "name", sourceCfg.Name, "rate_limit", sourceCfg.RateLimit)

		provider, err := sources.Create(sourceCfg.SourceType(), sourceCfg.Name, sourceCfg.ProviderConfig(logger))
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", sourceCfg.Name, err)
		}

		if err := collector.Add(provider, rate.Limit(sourceCfg.RateLimit), sourceCfg.Burst); err != nil {
			return nil, err
		}
	}

	if len(collector.Providers()) == 0 {
		return nil, errors.New("no providers available")
	}
	return collector, nil
}

// buildRefresher returns nil when no feed has a schedule.
func buildRefresher(cfg *config.Config, svc *query.Service, logger *logging.Logger) (*refresher.Refresher, error) {
	r := refresher.New(svc, cfg.Server.QueryTimeout.ToDuration(), logger)
	for _, feed := range cfg.Feeds {
		if feed.Refresh == "" {
			continue
		}
		if err := r.Add(sources.NormalizeFeedID(feed.ID), feed.Refresh); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", feed.ID, err)
		}
	}
	if len(r.Feeds()) == 0 {
		return nil, nil
	}
	return r, nil
}
