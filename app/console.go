// Package app assembles the console: REST client, push channel, router,
// stores, log stream controller, download monitor and persistence.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"opsconsole/apiclient"
	"opsconsole/channel"
	"opsconsole/core"
	"opsconsole/db"
	"opsconsole/health"
	"opsconsole/logstream"
	"opsconsole/router"
	"opsconsole/shutdown"
	"opsconsole/store"
	"opsconsole/tasks"
	"opsconsole/telemetry"
)

// resyncTimeout bounds the refetch that follows a reconnect.
const resyncTimeout = 15 * time.Second

// ErrClosed is returned by operations on a closed Console.
var ErrClosed = errors.New("app: console is closed")

// Console is the application context. Everything it owns is built in New
// and released in Close; there is no package-level state.
type Console struct {
	cfg      *core.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	client  *apiclient.Client
	stores  *store.Stores
	router  *router.Router
	push    *channel.Channel
	logs    *logstream.Controller
	monitor *tasks.Monitor
	db      *db.Database // nil when built WithoutDatabase

	teardown *shutdown.ShutdownRegistry

	// lifetime of background work started by Start
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	started      bool
	closed       bool
	connected    bool
	pollInterval time.Duration // saved preference; 0 uses the monitor default
}

// New builds the console from cfg. Nothing connects until Start.
func New(cfg *core.Config, logger *zap.Logger, opts ...Option) (*Console, error) {
	if cfg == nil {
		return nil, core.ErrMissingConfig("config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	c := &Console{
		cfg:      cfg,
		logger:   logger.Named("console"),
		registry: o.registry,
		metrics:  telemetry.New(o.registry),
		teardown: shutdown.NewShutdownRegistry(logger),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	clientCfg := apiclient.ConfigFromCore(cfg)
	clientCfg.HTTPClient = o.httpClient
	clientCfg.Logger = logger
	clientCfg.Metrics = c.metrics
	client, err := apiclient.New(clientCfg)
	if err != nil {
		return nil, err
	}
	c.client = client

	if !o.noDatabase {
		openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		database, err := db.Open(openCtx, db.Config{Path: cfg.DBPath, Logger: logger})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("open state database: %w", err)
		}
		c.db = database
	}
	prefs := c.loadPreferences()

	c.stores = store.New(store.Options{
		MetricsHistory: cfg.MetricsHistory,
		ActivityLines:  cfg.ActivityLines,
	})
	c.router = router.New(logger, c.metrics)
	router.Bind(c.router, c.stores)

	c.push = channel.New(c.channelConfig("push", cfg.PushURL, o))
	c.push.OnMessage(c.router.DispatchRaw)
	c.push.OnConnectedChange(c.handleConnected)

	maxLines := cfg.LogMaxLines
	if prefs.maxLines > 0 {
		maxLines = prefs.maxLines
	}
	c.logs = logstream.New(logstream.Config{
		BaseURL:  cfg.LogStreamURL,
		MaxLines: maxLines,
		Channel:  c.channelConfig("", "", o),
		Logger:   logger,
		Metrics:  c.metrics,
	})

	c.pollInterval = prefs.pollInterval
	monCfg := tasks.Config{
		PollInterval: cfg.PollInterval,
		Store:        c.stores.Downloads,
		Metrics:      c.metrics,
		Logger:       logger,
	}
	if c.db != nil {
		monCfg.Recorder = c.db.History()
	}
	c.monitor = tasks.New(c.client, monCfg)

	c.registerTeardown()
	return c, nil
}

func (c *Console) channelConfig(name, url string, o options) channel.Config {
	cfg := channel.DefaultConfig(url)
	cfg.Name = name
	cfg.InitialBackoff = c.cfg.ReconnectInitial
	cfg.MaxBackoff = c.cfg.ReconnectMax
	cfg.MaxAttempts = c.cfg.ReconnectMaxAttempts
	cfg.BreakerThreshold = uint32(max(c.cfg.BreakerThreshold, 0))
	cfg.BreakerCooldown = c.cfg.BreakerCooldown
	cfg.HandshakeTimeout = c.cfg.HandshakeTimeout
	cfg.Dialer = o.dialer
	cfg.Logger = c.logger.Named("channel")
	cfg.Metrics = c.metrics
	if c.cfg.APIToken != "" {
		cfg.Header = http.Header{"Authorization": []string{"Bearer " + c.cfg.APIToken}}
	}
	return cfg
}

// registerTeardown fixes the Close order: log stream, monitor, push
// channel, history writer, database.
func (c *Console) registerTeardown() {
	c.teardown.Register("logstream", shutdown.PriorityLogStream, c.logs.Close)
	c.teardown.Register("monitor", shutdown.PriorityMonitor, c.monitor.Close)
	c.teardown.Register("channel", shutdown.PriorityChannel, func(ctx context.Context) error {
		c.cancel()
		err := c.push.Close()
		c.wg.Wait()
		return err
	})
	if c.db != nil {
		c.teardown.Register("history-writer", shutdown.PriorityWriter, c.db.StopWrites)
		c.teardown.Register("database", shutdown.PriorityDatabase, c.db.Close)
	}
}

// Start fetches the initial state, opens the push channel and resumes
// tracking of downloads the backend reports as in progress. A failed
// initial fetch is logged, not returned; the push channel and later
// refreshes fill the stores once the backend is reachable.
func (c *Console) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("Initial refresh failed", zap.Error(err), zap.String("hint", core.Remediation(err)))
	}
	if err := c.push.Open(c.ctx); err != nil {
		return err
	}
	if err := c.ResumeDownloads(ctx); err != nil {
		c.logger.Warn("Could not resume downloads", zap.Error(err))
	}
	c.logger.Info("Console started",
		zap.String("backend", c.cfg.BackendURL),
		zap.String("push", c.cfg.PushURL),
	)
	return nil
}

// Refresh refetches system status, services and models in parallel. Each
// result is applied as soon as it arrives; service and model lists replace
// their stores wholesale, which is the only way entries disappear.
func (c *Console) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.refreshStatus(ctx) })
	g.Go(func() error { return c.refreshServices(ctx) })
	g.Go(func() error { return c.refreshModels(ctx) })
	return g.Wait()
}

// RefreshHealth refetches only what Health reads: system status and
// services. A broken model list does not affect it.
func (c *Console) RefreshHealth(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.refreshStatus(ctx) })
	g.Go(func() error { return c.refreshServices(ctx) })
	return g.Wait()
}

func (c *Console) refreshStatus(ctx context.Context) error {
	m, err := c.client.SystemStatus(ctx)
	if err != nil {
		return fmt.Errorf("system status: %w", err)
	}
	c.stores.Metrics.Set(m)
	return nil
}

func (c *Console) refreshServices(ctx context.Context) error {
	services, err := c.client.Services(ctx)
	if err != nil {
		return fmt.Errorf("services: %w", err)
	}
	c.stores.Services.Replace(services)
	return nil
}

func (c *Console) refreshModels(ctx context.Context) error {
	models, err := c.client.Models(ctx)
	if err != nil {
		return fmt.Errorf("models: %w", err)
	}
	c.stores.Models.Replace(models)
	return nil
}

// handleConnected refetches after every reconnect so that updates missed
// while disconnected are not lost. It runs on the reader goroutine, so the
// fetch itself happens elsewhere.
func (c *Console) handleConnected(up bool) {
	c.mu.Lock()
	reconnect := up && c.connected
	if up {
		c.connected = true
	}
	closed := c.closed
	c.mu.Unlock()
	if !reconnect || closed {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, resyncTimeout)
		defer cancel()
		if err := c.Refresh(ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("Resync after reconnect failed", zap.Error(err))
		}
	}()
}

// Close tears the console down in dependency order. It is safe to call
// more than once.
func (c *Console) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.teardown.Shutdown(ctx)
	c.cancel()
	if err != nil {
		return fmt.Errorf("close console: %w", err)
	}
	return nil
}

// TeardownOrder lists the Close steps in execution order.
func (c *Console) TeardownOrder() []string {
	return c.teardown.Names()
}

// Health evaluates the latest metrics and services.
func (c *Console) Health() health.Report {
	m, _, _ := c.stores.Metrics.Latest()
	return health.Evaluate(m, c.stores.Services.List())
}

// ControlService starts, stops or restarts a service, then refetches the
// service list so the store reflects the outcome even if no push arrives.
func (c *Console) ControlService(ctx context.Context, name, action string) (apiclient.ActionResult, error) {
	a, err := apiclient.ParseServiceAction(action)
	if err != nil {
		return apiclient.ActionResult{}, err
	}
	res, err := c.client.ControlService(ctx, name, a)
	if err != nil {
		return res, err
	}
	c.logger.Info("Service action accepted",
		zap.String("service", name),
		zap.String("action", string(a)),
		zap.String("status", res.Status),
	)
	if services, err := c.client.Services(ctx); err == nil {
		c.stores.Services.Replace(services)
	} else {
		c.logger.Warn("Service refetch after action failed", zap.Error(err))
	}
	return res, nil
}

// Stores exposes the live state.
func (c *Console) Stores() *store.Stores {
	return c.stores
}

// Channel exposes the push channel for connection state.
func (c *Console) Channel() *channel.Channel {
	return c.push
}

// Logs exposes the log stream controller.
func (c *Console) Logs() *logstream.Controller {
	return c.logs
}

// Monitor exposes the download monitor.
func (c *Console) Monitor() *tasks.Monitor {
	return c.monitor
}

// Client exposes the REST client.
func (c *Console) Client() *apiclient.Client {
	return c.client
}

// Gatherer is the registry holding the console metrics.
func (c *Console) Gatherer() prometheus.Gatherer {
	return c.registry
}

// Metrics returns the console instrumentation.
func (c *Console) Metrics() *telemetry.Metrics {
	return c.metrics
}

// Config returns the configuration the console was built with.
func (c *Console) Config() *core.Config {
	return c.cfg
}
