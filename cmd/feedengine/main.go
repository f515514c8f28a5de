// Command feedengine ingests live tick data from one or more market data
// vendors, batches it through a shared pipeline, optionally aggregates it
// into OHLCV bars, and publishes both over Redis pub/sub.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	oteltrace "go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/feedengine/marketfeed/internal/config"
	"github.com/feedengine/marketfeed/internal/manager"
	"github.com/feedengine/marketfeed/internal/publisher"
	"github.com/feedengine/marketfeed/internal/sink"
	"github.com/feedengine/marketfeed/internal/tick"
	"github.com/feedengine/marketfeed/pkg/observability"
)

var (
	vendorsFlag      = flag.String("vendors", "bloomberg", "comma-separated list of vendors (databento,bloomberg,cme)")
	symbolsFlag      = flag.String("symbols", "ESZ4,NQZ4", "comma-separated list of symbols")
	demoFlag         = flag.Bool("demo", false, "run in demo mode with a synthetic Bloomberg feed")
	timeframeFlag    = flag.Int("aggregation-timeframe", 60, "OHLCV bar timeframe in seconds, overrides PIPELINE_AGGREGATION_TIMEFRAME")
	feedsFileFlag    = flag.String("feeds-file", "", "optional YAML file describing feed configurations, overrides -vendors/-symbols")
	databentoAPIKey  = flag.String("databento-api-key", "", "Databento API key")
	publishFlag      = flag.Bool("publish", true, "publish ticks and bars to Redis pub/sub")
)

// feedsFile is the optional on-disk feed configuration format, an
// alternative to the -vendors/-symbols flags for multi-feed deployments.
type feedsFile struct {
	Feeds []feedFileEntry `yaml:"feeds"`
}

type feedFileEntry struct {
	Vendor  string   `yaml:"vendor"`
	Symbols []string `yaml:"symbols"`
	Enabled *bool    `yaml:"enabled"`
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	APIKey  string   `yaml:"api_key"`
	Dataset string   `yaml:"dataset"`
	Binary  bool     `yaml:"binary"`
}

func loadFeedsFile(path string) ([]manager.FeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading feeds file: %w", err)
	}
	var parsed feedsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing feeds file: %w", err)
	}

	out := make([]manager.FeedConfig, 0, len(parsed.Feeds))
	for _, f := range parsed.Feeds {
		enabled := true
		if f.Enabled != nil {
			enabled = *f.Enabled
		}
		out = append(out, manager.FeedConfig{
			Vendor:          tick.Vendor(f.Vendor),
			Symbols:         f.Symbols,
			Enabled:         enabled,
			Host:            f.Host,
			Port:            f.Port,
			APIKey:          f.APIKey,
			Dataset:         f.Dataset,
			DatabentoBinary: f.Binary,
		})
	}
	return out, nil
}

func demoFeeds() []manager.FeedConfig {
	return []manager.FeedConfig{
		{
			Vendor:  tick.Bloomberg,
			Symbols: []string{"ESZ4 Index", "NQZ4 Index"},
			Enabled: true,
		},
		{
			Vendor:  tick.Databento,
			Symbols: []string{"ESZ4", "NQZ4", "CLZ4", "GCZ4"},
			Enabled: false,
			APIKey:  "demo-key",
			Dataset: "GLBX.MDP3",
			Host:    "localhost",
			Port:    13000,
		},
	}
}

func feedsFromFlags(vendorsCSV, symbolsCSV string) []manager.FeedConfig {
	vendors := config.SplitCSV(vendorsCSV)
	symbols := config.SplitCSV(symbolsCSV)

	out := make([]manager.FeedConfig, 0, len(vendors))
	for _, v := range vendors {
		cfg := manager.FeedConfig{
			Vendor:  tick.Vendor(v),
			Symbols: symbols,
			Enabled: true,
		}
		if cfg.Vendor == tick.Databento {
			cfg.APIKey = *databentoAPIKey
		}
		out = append(out, cfg)
	}
	return out
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	timeframe := cfg.Pipeline.AggregationTimeframe
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "aggregation-timeframe" {
			timeframe = time.Duration(*timeframeFlag) * time.Second
		}
	})

	logger := observability.NewLogger(cfg.Observability)
	runID := uuid.NewString()

	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: "1.0.0",
		Namespace:      "marketfeed",
		Port:           cfg.Observability.MetricsPort,
		Enabled:        cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		log.Fatalf("failed to initialize metrics: %v", err)
	}
	if cfg.Observability.MetricsEnabled {
		go func() {
			if err := metrics.StartMetricsServer(cfg.Observability.MetricsPort); err != nil && err != http.ErrServerClosed {
				logger.Warn(context.Background(), "metrics server stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	var tracer oteltrace.Tracer
	tracingProvider, err := observability.NewTracingProvider(cfg.Observability)
	if err != nil {
		logger.Warn(context.Background(), "tracing disabled, jaeger exporter unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		defer tracingProvider.Shutdown(context.Background())
		tracer = tracingProvider.Tracer()
	}

	healthChecker := observability.NewHealthChecker(logger)
	healthServer := observability.NewHealthServer(healthChecker, observability.ServiceInfo{
		Name:    cfg.Observability.ServiceName,
		Version: "1.0.0",
	}, logger)
	router := mux.NewRouter()
	healthServer.RegisterRoutes(router)
	healthAddr := fmt.Sprintf(":%d", cfg.Observability.MetricsPort+1)
	go func() {
		if err := http.ListenAndServe(healthAddr, router); err != nil && err != http.ErrServerClosed {
			logger.Warn(context.Background(), "health server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.Info(context.Background(), "starting feed engine", map[string]interface{}{
		"run_id": runID,
	})

	var feeds []manager.FeedConfig
	switch {
	case *feedsFileFlag != "":
		feeds, err = loadFeedsFile(*feedsFileFlag)
		if err != nil {
			log.Fatalf("failed to load feeds file: %v", err)
		}
	case *demoFlag:
		logger.Info(context.Background(), "loading demo configuration", nil)
		feeds = demoFeeds()
	default:
		feeds = feedsFromFlags(*vendorsFlag, *symbolsFlag)
	}

	pub := publisher.New(publisher.Config{
		Host:           cfg.Publisher.RedisHost,
		Port:           cfg.Publisher.RedisPort,
		ChannelPrefix:  cfg.Publisher.ChannelPrefix,
		BatchSize:      cfg.Publisher.BatchSize,
		FlushInterval:  time.Duration(cfg.Publisher.FlushIntervalMs) * time.Millisecond,
		StatusInterval: time.Duration(cfg.Publisher.StatusIntervalS) * time.Second,
		ReconnectDelay:    cfg.Publisher.ReconnectDelay,
		ReconnectMaxDelay: cfg.Publisher.ReconnectMaxWait,
	}, logger, publisher.WithTracer(tracer))

	if *publishFlag {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := pub.Start(ctx)
		cancel()
		if err != nil {
			logger.Warn(context.Background(), "redis publisher failed to connect, ticks will still be logged", map[string]interface{}{"error": err.Error()})
		}
	}

	persister := sink.New(logger, nil)

	onTick := func(t tick.Tick) {
		metrics.RecordTick(context.Background(), string(t.Vendor), t.Symbol, time.Duration(tick.CurrentTimeNs()-t.TimestampNs))
		if *publishFlag {
			if err := pub.PublishTick(t); err != nil {
				metrics.RecordPublishFailure(context.Background(), "ticks")
			}
		}
	}

	onBar := func(b tick.Bar) {
		metrics.RecordBarEmitted(context.Background(), b.Symbol, timeframe.String())
		logger.Info(context.Background(), "bar closed", map[string]interface{}{
			"symbol": b.Symbol,
			"open":   b.Open,
			"high":   b.High,
			"low":    b.Low,
			"close":  b.Close,
			"volume": b.Volume,
			"ticks":  b.TickCount,
		})
		if *publishFlag {
			if err := pub.PublishBar(b, timeframe.String()); err != nil {
				metrics.RecordPublishFailure(context.Background(), "bars")
			}
		}
	}

	mgr := manager.New(manager.Options{
		Logger:         logger,
		OnTick:         onTick,
		OnBatch:        persister.ProcessBatch,
		BufferCapacity: cfg.Pipeline.RingBufferCapacity,
		BatchSize:      cfg.Pipeline.BatchSize,
		FlushInterval:  time.Duration(cfg.Pipeline.FlushIntervalMs) * time.Millisecond,
		Tracer:         tracer,
	})
	mgr.EnableAggregation(timeframe, onBar)

	for _, f := range feeds {
		mgr.AddFeed(f)
	}

	healthChecker.RegisterCheck("feeds", func(ctx context.Context) observability.HealthCheckResult {
		status := observability.HealthStatusHealthy
		all := mgr.GetAllStatus()
		for _, s := range all {
			if !s.Connected {
				status = observability.HealthStatusDegraded
			}
		}
		return observability.HealthCheckResult{Status: status, Timestamp: time.Now()}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info(context.Background(), "starting feeds", map[string]interface{}{"count": len(feeds)})
	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("failed to start manager: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

runLoop:
	for {
		select {
		case <-quit:
			break runLoop
		case <-statusTicker.C:
			logStatus(logger, mgr)
		}
	}

	logger.Info(context.Background(), "stopping feeds", nil)
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := mgr.Stop(stopCtx); err != nil {
		logger.Error(stopCtx, "error stopping manager", err, nil)
	}
	pub.Stop(stopCtx)

	logStatus(logger, mgr)
	logger.Info(context.Background(), "feed engine stopped", nil)
}

func logStatus(logger *observability.Logger, mgr *manager.Manager) {
	stats := mgr.GetStats()
	logger.Info(context.Background(), "stats", map[string]interface{}{
		"total_ticks":     stats.TotalTicks,
		"ticks_per_sec":   stats.TicksPerSecond,
		"feeds_connected": stats.FeedsConnected,
		"feeds_total":     stats.FeedsTotal,
		"dropped":         stats.BufferStats.Dropped,
	})
	for vendor, status := range mgr.GetAllStatus() {
		logger.Info(context.Background(), "feed status", map[string]interface{}{
			"vendor":         string(vendor),
			"state":          status.State.String(),
			"ticks_received": status.TicksReceived,
			"latency_us":     status.LatencyAvgUs,
		})
	}
}
