package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"opsconsole/apiclient"
	"opsconsole/app"
	"opsconsole/core"
	"opsconsole/core/validation"
	"opsconsole/health"
	"opsconsole/logstream"
	"opsconsole/tasks"
)

// closeTimeout bounds console teardown for one-shot commands.
const closeTimeout = 5 * time.Second

func closeConsole(console *app.Console) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = console.Close(ctx)
}

func (c *cli) logsCmd() *cobra.Command {
	var (
		levels  []string
		search  string
		history bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "logs <source>",
		Short: "Tail a log source, or search its history",
		Example: "  opsconsole logs vllm --level error --level warn\n" +
			"  opsconsole logs system --history --search timeout --limit 200",
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := logstream.Filters{Search: search}
			for _, l := range levels {
				filters.Levels = append(filters.Levels, core.ParseLogLevel(l))
			}
			if history {
				if limit < 1 {
					return &usageError{errors.New("--limit must be at least 1")}
				}
				return c.logHistory(cmd.Context(), args[0], filters, limit)
			}
			return c.tailLogs(cmd.Context(), args[0], filters)
		},
	}
	cmd.Flags().StringSliceVar(&levels, "level", nil, "only these levels (repeatable): error|warn|info|debug|success")
	cmd.Flags().StringVar(&search, "search", "", "only lines containing this text")
	cmd.Flags().BoolVar(&history, "history", false, "search stored history instead of tailing")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum history lines")
	return cmd
}

// tailLogs prints live entries until ctx is done or the stream gives up.
func (c *cli) tailLogs(ctx context.Context, source string, filters logstream.Filters) error {
	cfg, logger, err := c.setup(true)
	if err != nil {
		return err
	}
	console, err := c.openConsole(cfg, logger, app.WithoutDatabase())
	if err != nil {
		return err
	}
	defer closeConsole(console)

	p := newPrinter(c.out)
	logs := console.Logs()
	logs.OnEntry(p.logEntry)
	failed := streamFailures(logs)

	if err := console.StreamLogs(ctx, source, filters); err != nil {
		return err
	}
	p.note("Streaming %s (Ctrl+C to stop)", source)

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

func (c *cli) logHistory(ctx context.Context, source string, filters logstream.Filters, limit int) error {
	cfg, logger, err := c.setup(true)
	if err != nil {
		return err
	}
	console, err := c.openConsole(cfg, logger, app.WithoutDatabase())
	if err != nil {
		return err
	}
	defer closeConsole(console)

	entries, err := console.LoadLogHistory(ctx, core.LogQuery{
		Sources: []string{source},
		Levels:  filters.Levels,
		Search:  filters.Search,
		Limit:   limit,
	})
	if err != nil {
		return err
	}
	p := newPrinter(c.out)
	for _, e := range entries {
		p.logEntry(e)
	}
	p.note("%d line(s) from %s", len(entries), source)
	return nil
}

func (c *cli) downloadCmd() *cobra.Command {
	var (
		backend string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:     "download <model>",
		Short:   "Download a model and follow its progress",
		Example: "  opsconsole download Qwen/Qwen2.5-7B-Instruct --backend vllm",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if backend == "" {
				return &usageError{errors.New("--backend is required")}
			}
			return c.download(cmd.Context(), core.DownloadRequest{ModelID: args[0], Backend: backend}, timeout)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "inference backend that will serve the model")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up tracking after this long (0 waits until done)")
	return cmd
}

func (c *cli) download(ctx context.Context, req core.DownloadRequest, timeout time.Duration) error {
	cfg, logger, err := c.setup(true)
	if err != nil {
		return err
	}
	console, err := c.openConsole(cfg, logger)
	if err != nil {
		return err
	}
	defer closeConsole(console)

	p := newPrinter(c.out)
	var opts []tasks.TrackOption
	if timeout > 0 {
		opts = append(opts, tasks.WithTimeout(timeout))
	}
	tr, err := console.DownloadModel(ctx, req, p.progress, opts...)
	if err != nil {
		return err
	}
	p.note("Downloading %s with %s (task %s)", req.ModelID, req.Backend, tr.TaskID)

	task, err := tr.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			console.CancelDownload(tr.TaskID)
			p.note("Stopped following %s; the backend keeps downloading", tr.TaskID)
		}
		return err
	}
	p.success("%s downloaded", task.ModelID)
	return nil
}

func (c *cli) healthCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Evaluate appliance health once",
		Long: "health fetches metrics and services, scores them and lists alerts.\n" +
			"It exits with status 4 when the classification is critical.",
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.health(cmd.Context(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func (c *cli) health(ctx context.Context, asJSON bool) error {
	cfg, logger, err := c.setup(true)
	if err != nil {
		return err
	}
	console, err := c.openConsole(cfg, logger, app.WithoutDatabase())
	if err != nil {
		return err
	}
	defer closeConsole(console)

	if err := console.RefreshHealth(ctx); err != nil {
		return err
	}
	report := console.Health()
	if asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		newPrinter(c.out).healthReport(report)
	}
	if report.Classification == health.Critical {
		return errUnhealthy
	}
	return nil
}

func (c *cli) doctorCmd() *cobra.Command {
	var (
		timeout  time.Duration
		failFast bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, local state and backend reachability",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.doctor(cmd.Context(), timeout, failFast)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for each network check")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop at the first failed check")
	return cmd
}

func (c *cli) doctor(ctx context.Context, timeout time.Duration, failFast bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	result := validation.NewSuite(cfg).
		WithOutput(c.out).
		WithEnvPath(c.envFile).
		WithTimeout(timeout).
		WithFailFast(failFast).
		Validate(ctx)
	if !result.Success {
		return fmt.Errorf("%d check(s) failed: %w", result.FailedSteps, result.GetFirstError())
	}
	return nil
}

func (c *cli) serviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "service <name> <start|stop|restart>",
		Short:   "Start, stop or restart an appliance service",
		Example: "  opsconsole service open-webui restart",
		Args:    exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := apiclient.ParseServiceAction(args[1]); err != nil {
				return &usageError{err}
			}
			return c.controlService(cmd.Context(), args[0], args[1])
		},
	}
}

func (c *cli) controlService(ctx context.Context, name, action string) error {
	cfg, logger, err := c.setup(true)
	if err != nil {
		return err
	}
	console, err := c.openConsole(cfg, logger, app.WithoutDatabase())
	if err != nil {
		return err
	}
	defer closeConsole(console)

	res, err := console.ControlService(ctx, name, action)
	if err != nil {
		return err
	}
	p := newPrinter(c.out)
	msg := fmt.Sprintf("%s %s: %s", action, name, res.Status)
	if res.Message != "" {
		msg += " (" + res.Message + ")"
	}
	p.success("%s", msg)
	if s, ok := console.Stores().Services.Get(name); ok {
		p.note("%s is now %s", name, s.Status)
	}
	return nil
}

func (c *cli) systemServiceCmd() *cobra.Command {
	actions := []string{"install", "uninstall", "start", "stop", "restart", "status"}
	return &cobra.Command{
		Use:       "system-service <" + strings.Join(actions, "|") + ">",
		Short:     "Manage the Windows service that runs the console",
		Args:      exactArgs(1),
		ValidArgs: actions,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range actions {
				if a == args[0] {
					return ControlSystemService(args[0], c.out)
				}
			}
			return &usageError{fmt.Errorf("unknown action %q (want %s)", args[0], strings.Join(actions, ", "))}
		},
	}
}
