package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"opsconsole/app"
	"opsconsole/core"
	"opsconsole/core/validation"
	"opsconsole/logging"
	"opsconsole/logstream"
	"opsconsole/shutdown"
	"opsconsole/webui"
)

// serve runs the console and, when a listen address is configured, the
// local API until ctx is done or a signal arrives. Teardown goes through
// the shutdown manager: API, then console, then the logger.
func (c *cli) serve(ctx context.Context) error {
	cfg, logger, err := c.setup(false)
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded",
		zap.String("backend", cfg.BackendURL),
		zap.String("push", cfg.PushURL),
		zap.String("logs", cfg.LogStreamURL),
		zap.String("db", cfg.DBPath),
		zap.String("listen", cfg.ListenAddr),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Bool("development", cfg.Development),
	)
	if err := c.preflight(cfg, logger); err != nil {
		return err
	}

	manager := shutdown.NewManager(logger)
	manager.Start()
	manager.Register("logger", shutdown.PriorityLogger, func(context.Context) error {
		return logging.Sync(logger)
	})

	console, err := c.openConsole(cfg, logger)
	if err != nil {
		_ = manager.Shutdown()
		return err
	}
	manager.Register("console", shutdown.PriorityConsole, console.Close)

	if err := console.Start(manager.Context()); err != nil {
		_ = manager.Shutdown()
		return fmt.Errorf("start console: %w", err)
	}
	c.restoreLogStream(manager.Context(), console, logger)

	if cfg.ListenAddr != "" {
		srv, err := webui.NewServer(console, webui.DefaultServerConfig(cfg.ListenAddr), manager, logger)
		if err != nil {
			_ = manager.Shutdown()
			return err
		}
		if err := srv.Start(context.Background()); err != nil {
			_ = manager.Shutdown()
			return err
		}
		manager.Register("server", shutdown.PriorityServer, srv.Shutdown)
	}

	select {
	case <-ctx.Done():
		manager.Trigger("context done")
	case <-manager.Context().Done():
	}
	logger.Info("Shutting down", zap.Strings("order", manager.Registry().Names()))
	return manager.Shutdown()
}

// serveService is serve for a service host, which owns the lifetime.
func (c *cli) serveService(ctx context.Context) error {
	return c.serve(ctx)
}

// restoreLogStream resumes the last remembered log subscription.
func (c *cli) restoreLogStream(ctx context.Context, console *app.Console, logger *zap.Logger) {
	sub, ok, err := console.LastLogSubscription(ctx)
	if err != nil {
		logger.Warn("Could not read saved log subscription", zap.Error(err))
		return
	}
	if !ok || sub.Source == "" {
		return
	}
	if err := console.StreamLogs(ctx, sub.Source, sub.Filters); err != nil {
		logger.Warn("Could not resume log stream",
			zap.String("source", sub.Source),
			zap.Error(err),
			zap.String("hint", core.Remediation(err)),
		)
		return
	}
	logger.Info("Resumed log stream", zap.String("source", sub.Source), zap.Int("levels", len(sub.Filters.Levels)))
}

// streamFailures reports the error that ends a live log stream.
func streamFailures(logs *logstream.Controller) <-chan error {
	failed := make(chan error, 1)
	logs.OnStatus(func(s logstream.Status) {
		if s != logstream.StatusIdle {
			return
		}
		if err := logs.LastError(); err != nil {
			select {
			case failed <- err:
			default:
			}
		}
	})
	return failed
}

// preflight runs the offline checks and refuses to start when one fails.
func (c *cli) preflight(cfg *core.Config, logger *zap.Logger) error {
	result := validation.NewSuite(cfg).
		WithEnvPath(c.envFile).
		WithShowProgress(false).
		ValidateQuick()
	for _, step := range result.Steps {
		switch step.Status {
		case validation.StepFailed:
			logger.Error("Preflight check failed",
				zap.String("check", step.Name),
				zap.String("detail", step.Message),
				zap.Error(step.Error))
		case validation.StepWarning:
			logger.Warn("Preflight warning", zap.String("check", step.Name), zap.String("detail", step.Message))
		}
	}
	if !result.Success {
		return result.GetFirstError()
	}
	logger.Debug("Preflight passed", zap.String("summary", result.Summary()))
	return nil
}
