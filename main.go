package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/jiaming2012/binance-feed/src/datastore"
	"github.com/jiaming2012/binance-feed/src/dbutils"
	"github.com/jiaming2012/binance-feed/src/eventmodels"
	"github.com/jiaming2012/binance-feed/src/eventpubsub"
	"github.com/jiaming2012/binance-feed/src/eventservices"
	"github.com/jiaming2012/binance-feed/src/utils"
	"github.com/jiaming2012/binance-feed/src/worker"
)

type Config struct {
	BinanceWsURL    string
	BinanceAPIURL   string
	BinanceEnv      string
	BinanceAPIKey   string
	BinanceSecret   string
	Symbols         []string
	Timeframes      []string
	HistoryCandles  int
	MaxSymbols      int
	MinDailyVolume  float64
	MinMarketCapUSD float64
	FilterByMktCap  bool
	Strategy        string
	BackfillWorkers int
	MaxLazyLoads    int

	DBPersistence bool
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBPoolSize    int

	CoinGeckoURL string
}

func loadConfig() *Config {
	return &Config{
		BinanceWsURL:    utils.GetEnv("BINANCE_WS_URL", "wss://fstream.binance.com"),
		BinanceAPIURL:   utils.GetEnv("BINANCE_API_BASE_URL", "https://fapi.binance.com"),
		BinanceEnv:      utils.GetEnv("BINANCE_ENV", "dev"),
		BinanceAPIKey:   os.Getenv("BINANCE_API_KEY"),
		BinanceSecret:   os.Getenv("BINANCE_API_SECRET"),
		Symbols:         utils.GetEnvList("SYMBOLS"),
		Timeframes:      utils.GetEnvList("TIMEFRAMES"),
		HistoryCandles:  utils.GetEnvInt("HISTORY_CANDLES", 200),
		MaxSymbols:      utils.GetEnvInt("MAX_SYMBOLS", 30),
		MinDailyVolume:  utils.GetEnvFloat("MIN_DAILY_VOLUME_USDT", 10_000_000),
		MinMarketCapUSD: utils.GetEnvFloat("MIN_MARKET_CAP_USD", 0),
		FilterByMktCap:  utils.GetEnvBool("FILTER_BY_MARKET_CAP", false),
		Strategy:        utils.GetEnv("SYMBOL_SELECTION_STRATEGY", "quality"),
		BackfillWorkers: utils.GetEnvInt("BACKFILL_WORKERS", 15),
		MaxLazyLoads:    utils.GetEnvInt("MAX_LAZY_LOADS", 50),
		DBPersistence:   utils.GetEnvBool("DB_ENABLE_PERSISTENCE", true),
		DBHost:          utils.GetEnv("DB_HOST", "localhost"),
		DBPort:          utils.GetEnv("DB_PORT", "5432"),
		DBUser:          utils.GetEnv("DB_USER", "postgres"),
		DBPassword:      os.Getenv("DB_PASSWORD"),
		DBName:          utils.GetEnv("DB_NAME", "binance_feed"),
		DBPoolSize:      utils.GetEnvInt("DB_POOL_SIZE", 5),
		CoinGeckoURL:    utils.GetEnv("COINGECKO_BASE_URL", "https://api.coingecko.com"),
	}
}

func (c *Config) Validate() error {
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("Config.Validate: no timeframes configured")
	}

	for _, tf := range c.Timeframes {
		if !eventmodels.Interval(tf).IsSupported() {
			return fmt.Errorf("Config.Validate: unsupported timeframe: %s", tf)
		}
	}

	if c.HistoryCandles <= 0 {
		return fmt.Errorf("Config.Validate: HISTORY_CANDLES must be positive")
	}

	if c.BackfillWorkers <= 0 {
		return fmt.Errorf("Config.Validate: BACKFILL_WORKERS must be positive")
	}

	if c.DBPersistence && c.DBPassword == "" {
		return fmt.Errorf("Config.Validate: DB_PASSWORD is required when persistence is enabled")
	}

	return nil
}

// streamSeparator joins stream names in the subscription URL; the testnet
// gateway expects a different separator than production.
func (c *Config) streamSeparator() string {
	if c.BinanceEnv == "dev" {
		return "&"
	}

	return "/"
}

// AppRunner owns every long-lived component and their shutdown order. All
// instances are constructed here and passed by reference; nothing in the
// process is a package-level singleton.
type AppRunner struct {
	config *Config

	db            *gorm.DB
	cache         *datastore.CandleCache
	store         *datastore.CandleDataStore
	rateLimiter   *eventservices.RateLimiter
	client        *eventservices.BinanceClient
	pubsub        *eventpubsub.PubSub
	symbolManager *worker.SymbolManager
	backfill      *worker.BackfillScheduler
	stream        *worker.BinanceStreamClient

	shutdownOnce sync.Once
	stopCh       chan struct{}
}

func NewAppRunner(config *Config) *AppRunner {
	return &AppRunner{
		config: config,
		stopCh: make(chan struct{}),
	}
}

func (r *AppRunner) Run() error {
	cfg := r.config

	if cfg.DBPersistence {
		db, err := dbutils.InitPostgres(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPoolSize)
		if err != nil {
			return fmt.Errorf("Run: failed to initialize postgres: %w", err)
		}

		r.db = db
		r.cache = datastore.NewCandleCache(db)
		log.Info("database initialized and ready")
	} else {
		log.Info("database persistence disabled")
	}

	r.rateLimiter = eventservices.NewRateLimiter(eventservices.NewRateLimitConfig())
	r.client = eventservices.NewBinanceClient(cfg.BinanceAPIURL, cfg.BinanceAPIKey, cfg.BinanceSecret, r.rateLimiter)
	r.store = datastore.NewCandleDataStore(cfg.HistoryCandles)
	r.pubsub = eventpubsub.NewPubSub()

	var marketCap worker.MarketCapFilter
	if cfg.FilterByMktCap && cfg.MinMarketCapUSD > 0 {
		marketCap = eventservices.NewCoinGeckoService(cfg.CoinGeckoURL)
	}

	symbolConfig := worker.NewSymbolManagerConfig()
	symbolConfig.StaticSymbols = cfg.Symbols
	symbolConfig.MaxSymbols = cfg.MaxSymbols
	symbolConfig.MinQuoteVolume24h = cfg.MinDailyVolume
	symbolConfig.SelectionStrategy = eventmodels.SymbolSelectionStrategy(cfg.Strategy)
	if cfg.FilterByMktCap {
		symbolConfig.MinMarketCapUSD = cfg.MinMarketCapUSD
	}

	r.symbolManager = worker.NewSymbolManager(symbolConfig, r.client, marketCap)

	backfillConfig := worker.NewBackfillConfig()
	backfillConfig.Workers = cfg.BackfillWorkers
	backfillConfig.HistoryLength = cfg.HistoryCandles
	backfillConfig.MaxLazyLoads = cfg.MaxLazyLoads

	var persistence worker.CandlePersistence
	if r.cache != nil {
		persistence = r.cache
	}

	r.backfill = worker.NewBackfillScheduler(backfillConfig, r.client, persistence, r.store)
	r.stream = worker.NewBinanceStreamClient(worker.NewStreamConfig(cfg.BinanceWsURL, cfg.streamSeparator()))

	// block startup on the first universe refresh
	r.symbolManager.Start()
	log.Info("waiting for initial symbol list refresh...")
	<-r.symbolManager.Ready()

	symbols := r.symbolManager.CurrentSymbols()
	if len(symbols) == 0 {
		return fmt.Errorf("Run: symbol universe is empty after initial refresh")
	}

	log.Infof("initial symbol list fetched: %d symbols", len(symbols))

	keys := seriesKeys(symbols, cfg.Timeframes)
	r.backfill.Preload(keys)

	if err := r.pubsub.Subscribe(eventpubsub.KlineUpdateTopic, r.handleKline); err != nil {
		return fmt.Errorf("Run: failed to subscribe to kline updates: %w", err)
	}

	if err := r.stream.Start(streamNames(symbols, cfg.Timeframes), r.publishKline); err != nil {
		return fmt.Errorf("Run: failed to start stream client: %w", err)
	}

	if r.cache != nil {
		go r.maintenanceWorker()

		if cfg.BinanceAPIKey != "" && cfg.BinanceSecret != "" {
			go r.warmPositionCache(symbols)
		}
	}

	r.waitForShutdownSignal()
	return nil
}

// publishKline runs on the stream read loop; it hands the frame off to the
// bus and returns immediately.
func (r *AppRunner) publishKline(dto *eventmodels.KlineDTO) {
	r.pubsub.Publish(eventpubsub.KlineUpdateTopic, dto)
}

// handleKline merges one live kline into the store, lazily warming series
// the preload did not cover.
func (r *AppRunner) handleKline(dto *eventmodels.KlineDTO) {
	key, candle, err := dto.ToCandle()
	if err != nil {
		log.Warnf("dropping kline update: %v", err)
		return
	}

	if r.store.Len(key) == 0 {
		go r.backfill.LazyLoad(key)
	}

	r.store.Upsert(key, candle)
}

// warmPositionCache refreshes leverage/margin side data for the universe,
// best effort. A symbol's failure only leaves its cache entry stale.
func (r *AppRunner) warmPositionCache(symbols []string) {
	for _, symbol := range symbols {
		select {
		case <-r.stopCh:
			return
		default:
		}

		if _, _, fresh, err := r.cache.GetCachedPositionInfo(symbol, time.Hour); err != nil {
			log.Warnf("position cache lookup failed for %s: %v", symbol, err)
			continue
		} else if fresh {
			continue
		}

		leverage, err := r.client.FetchMaxLeverage(symbol)
		if err != nil {
			log.Warnf("failed to fetch leverage bracket for %s: %v", symbol, err)
			continue
		}

		if err := r.cache.CachePositionInfo(symbol, leverage, "CROSSED"); err != nil {
			log.Warnf("failed to cache position info for %s: %v", symbol, err)
		}
	}
}

func (r *AppRunner) maintenanceWorker() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.cache.CleanupOldData(30 * 24 * time.Hour); err != nil {
				log.Errorf("cache maintenance failed: %v", err)
			}
		}
	}
}

func (r *AppRunner) waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Infof("shutdown signal received (%v), stopping...", sig)
	r.Shutdown()
}

// Shutdown stops every component in dependency order: stream first so no new
// updates arrive, then the workers, then the bus drain, then the database.
// Safe to call twice; the second call is a no-op.
func (r *AppRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		close(r.stopCh)

		r.stream.Stop()
		r.symbolManager.Stop()
		r.backfill.Stop()
		r.pubsub.WaitAsync()

		if r.db != nil {
			if sqlDB, err := r.db.DB(); err == nil {
				sqlDB.Close()
			}

			log.Info("database connections closed")
		}

		stats := r.rateLimiter.Stats()
		log.Infof("final rate limiter stats: %d requests, %d weight, %d blocked", stats.TotalRequests, stats.TotalWeight, stats.BlockedRequests)
	})
}

func seriesKeys(symbols, timeframes []string) []eventmodels.SeriesKey {
	var keys []eventmodels.SeriesKey
	for _, symbol := range symbols {
		for _, tf := range timeframes {
			keys = append(keys, eventmodels.NewSeriesKey(symbol, eventmodels.Interval(tf)))
		}
	}

	return keys
}

func streamNames(symbols, timeframes []string) []string {
	var streams []string
	for _, symbol := range symbols {
		for _, tf := range timeframes {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), tf))
		}
	}

	return streams
}

func main() {
	if err := utils.InitEnvironmentVariables(); err != nil {
		log.Warnf("continuing without .env file: %v", err)
	}

	if level, err := log.ParseLevel(utils.GetEnv("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(level)
	}

	config := loadConfig()
	if err := config.Validate(); err != nil {
		log.Fatalf("configuration validation failed: %v", err)
	}

	runner := NewAppRunner(config)
	if err := runner.Run(); err != nil {
		log.Fatalf("app runner failed: %v", err)
	}
}
