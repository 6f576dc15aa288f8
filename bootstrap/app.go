package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"sentinel/api"
	"sentinel/config"
	"sentinel/core"
	"sentinel/dedup"
	"sentinel/detect"
	"sentinel/escalate"
	"sentinel/eventlog"
	"sentinel/notify"
	"sentinel/route"
	"sentinel/state"
	"sentinel/storage"
)

// detectGroup is the consumer group of the detection pipeline
const detectGroup = "detect"

// App owns every component and their start/stop ordering
type App struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	log        *eventlog.MemoryLog
	stateStore state.Store
	store      *storage.SQLiteStorage
	loader     *detect.Loader
	scanner    *escalate.Scanner
	dispatcher *notify.Dispatcher
	pipeline   *Pipeline
	apiServer  *api.Server
	pool       *eventlog.ConsumerPool
}

// NewApp wires the engine from configuration
func NewApp(cfg *config.Config, logger *zap.SugaredLogger) (*App, error) {
	store, err := storage.NewSQLiteStorage(cfg.SQLite.Path, logger)
	if err != nil {
		return nil, err
	}

	var stateStore state.Store
	if cfg.Redis.Enabled {
		rs := state.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rs.Ping(ctx)
		cancel()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		stateStore = rs
		logger.Infow("Using Redis window state", "addr", cfg.Redis.Addr)
	} else {
		stateStore = state.NewMemoryStore(logger)
		logger.Infow("Using in-memory window state")
	}

	log := eventlog.NewMemoryLog(eventlog.Options{
		Partitions:        cfg.EventLog.Partitions,
		MaxDeliveries:     cfg.EventLog.MaxDeliveries,
		RedeliveryTimeout: cfg.EventLog.RedeliveryTimeout,
		Retention:         cfg.EventLog.Retention,
		DLQRetention:      cfg.EventLog.DLQRetention,
	}, logger)

	table, err := loadRoutingTable(cfg.Routing.TablePath)
	if err != nil {
		return nil, err
	}
	router, err := route.NewRouter(table, cfg.Routing.DefaultStream, logger)
	if err != nil {
		return nil, err
	}

	loader := detect.NewLoader(store, cfg.Engine.RuleReloadInterval, logger)
	engineCfg := detect.DefaultEngineConfig()
	engineCfg.MaxConsecutiveFailures = cfg.Engine.MaxConsecutiveFailures
	engine := detect.NewEngine(loader, stateStore, detect.MeanScorer{}, store, engineCfg, logger)

	deduper := dedup.NewDeduplicator(store, defaultPolicy(cfg.Escalation.DefaultPolicy), logger)

	channels := []notify.Channel{notify.NewWebhookChannel(), notify.NewChatChannel()}
	if cfg.Notify.SMTP.Enabled {
		channels = append(channels, notify.NewEmailChannel(
			cfg.Notify.SMTP.Host, cfg.Notify.SMTP.Port, cfg.Notify.SMTP.From,
			cfg.Notify.SMTP.Username, cfg.Notify.SMTP.Password))
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		MaxAttempts:   cfg.Notify.MaxAttempts,
		BaseBackoff:   cfg.Notify.BaseBackoff,
		MaxBackoff:    cfg.Notify.MaxBackoff,
		RatePerSecond: cfg.Notify.RatePerSecond,
		Burst:         cfg.Notify.Burst,
	}, channels, store, log, logger)

	scanner := escalate.NewScanner(store, store, deduper, dispatcher, cfg.Escalation.ScanInterval, logger)
	pipeline := NewPipeline(log, router, engine, deduper, dispatcher, logger)
	lifecycle := escalate.NewService(store, store, logger)
	apiServer := api.NewServer(cfg.API.Addr, store, store, lifecycle, log, pipeline, logger)

	pool := eventlog.NewConsumerPool(log, eventlog.PoolConfig{
		Stream:            core.StreamEvents,
		Group:             detectGroup,
		Workers:           cfg.EventLog.ConsumerWorkers,
		MaxProcessingTime: cfg.EventLog.MaxProcessingTime,
	}, pipeline.DetectHandler, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		log:        log,
		stateStore: stateStore,
		store:      store,
		loader:     loader,
		scanner:    scanner,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		apiServer:  apiServer,
		pool:       pool,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	if err := a.loader.Reload(ctx); err != nil {
		return fmt.Errorf("initial rule load failed: %w", err)
	}
	a.loader.Start(ctx)
	a.dispatcher.Start(ctx)
	a.scanner.Start(ctx)
	if err := a.pool.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.apiServer.Start() }()

	a.logger.Infow("Engine running",
		"api", a.cfg.API.Addr, "partitions", a.cfg.EventLog.Partitions)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	a.shutdown()
	return nil
}

// shutdown stops in reverse dependency order: ingestion first, then the
// processing stages, then the stores
func (a *App) shutdown() {
	a.logger.Infow("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warnw("API shutdown failed", "error", err)
	}

	a.pool.Stop()
	a.scanner.Stop()
	a.dispatcher.Stop()
	a.loader.Stop()
	a.log.Close()

	if err := a.stateStore.Close(); err != nil {
		a.logger.Warnw("State store close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warnw("Storage close failed", "error", err)
	}
	a.logger.Infow("Shutdown complete")
}

// loadRoutingTable reads the routing table file; an empty path yields an
// empty table (everything lands on the default stream)
func loadRoutingTable(path string) (route.Table, error) {
	if path == "" {
		return route.Table{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return route.Table{}, fmt.Errorf("failed to read routing table: %w", err)
	}
	return route.LoadTable(data)
}

// defaultPolicy converts the configured default policy, falling back to a
// single 30 minute step when none is configured
func defaultPolicy(cfg config.PolicyConfig) *core.EscalationPolicy {
	policy := &core.EscalationPolicy{ID: "default", RepeatInterval: cfg.RepeatInterval}
	for _, step := range cfg.Steps {
		policy.Steps = append(policy.Steps, core.EscalationStep{
			Delay:      step.Delay,
			Recipients: step.Recipients,
			Channels:   step.Channels,
		})
	}
	if len(policy.Steps) == 0 {
		policy.Steps = []core.EscalationStep{{Delay: 30 * time.Minute, Channels: []string{"webhook"}}}
	}
	if policy.RepeatInterval <= 0 {
		policy.RepeatInterval = time.Hour
	}
	return policy
}
