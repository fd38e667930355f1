// Command opsconsole is the operator console for an AI appliance: live
// system and service state, model downloads, container logs and a local
// API for the UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"opsconsole/app"
	"opsconsole/core"
	"opsconsole/logging"
)

func main() {
	c := newCLI(os.Stdout, os.Stderr)

	isService, err := RunAsService(c.serveService)
	if isService {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(core.ExitCodeFor(err))
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: service host unavailable: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := c.execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// errUnhealthy is returned by the health command for a critical score.
var errUnhealthy = errors.New("appliance health is critical")

// usageError marks bad arguments or flags.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// cli holds the global flags and the hooks tests replace.
type cli struct {
	out    io.Writer
	errOut io.Writer

	envFile    string
	configFile string
	backendURL string
	logLevel   string
	noColor    bool

	// loadConfig defaults to reading .env, the config file and the
	// environment.
	loadConfig  func() (*core.Config, error)
	newLogger   func(cfg *core.Config, quiet bool) (*zap.Logger, error)
	consoleOpts []app.Option
}

func newCLI(out, errOut io.Writer) *cli {
	c := &cli{out: out, errOut: errOut, envFile: ".env"}
	c.loadConfig = c.configFromEnvironment
	c.newLogger = c.defaultLogger
	return c
}

// execute runs the command line and returns the process exit code.
func (c *cli) execute(ctx context.Context, args []string) int {
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return core.ExitOK
	}
	fmt.Fprintf(c.errOut, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("Error:"), err)
	if hint := core.Remediation(err); core.ClassifyError(err) != "" && !strings.Contains(err.Error(), hint) {
		fmt.Fprintf(c.errOut, "  %s\n", hint)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return core.ExitOK
	case errors.As(err, &ue):
		return core.ExitUsage
	case errors.Is(err, errUnhealthy):
		return core.ExitUnhealthy
	case errors.Is(err, context.Canceled):
		return core.ExitInterrupted
	}
	return core.ExitCodeFor(err)
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "opsconsole",
		Short: "Operator console for the AI appliance",
		Long: "opsconsole keeps a live view of the appliance: system metrics, services,\n" +
			"models, downloads and container logs. Without a subcommand it runs the\n" +
			"console and its local API until interrupted.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          noArgs,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&c.envFile, "env-file", c.envFile, "dotenv file loaded before the environment")
	pf.StringVar(&c.configFile, "config", "", "YAML config file (defaults to OPSCONSOLE_CONFIG)")
	pf.StringVar(&c.backendURL, "backend-url", "", "backend base URL, overrides OPSCONSOLE_BACKEND_URL")
	pf.StringVar(&c.logLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.BoolVar(&c.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		c.runCmd(),
		c.logsCmd(),
		c.downloadCmd(),
		c.healthCmd(),
		c.doctorCmd(),
		c.serviceCmd(),
		c.systemServiceCmd(),
	)
	return root
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the console and the local API until interrupted",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}
}

// configFromEnvironment loads .env, then the config file and environment,
// then applies the global flags.
func (c *cli) configFromEnvironment() (*core.Config, error) {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", c.envFile, err)
		}
	}
	return core.LoadConfigWith(c.configFile, c.applyFlags)
}

func (c *cli) applyFlags(cfg *core.Config) {
	if c.backendURL != "" {
		cfg.BackendURL = c.backendURL
		cfg.PushURL = ""
		cfg.LogStreamURL = ""
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
}

// defaultLogger logs to stderr and the configured file. One-shot commands
// pass quiet so only warnings reach the terminal unless --log-level is set.
func (c *cli) defaultLogger(cfg *core.Config, quiet bool) (*zap.Logger, error) {
	opts := logging.OptionsFromConfig(cfg)
	opts.Console = c.errOut
	if quiet && c.logLevel == "" {
		opts.Level = "warn"
	}
	return logging.New(opts)
}

// setup loads the configuration and builds the logger for a command.
func (c *cli) setup(quiet bool) (*core.Config, *zap.Logger, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := c.newLogger(cfg, quiet)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openConsole builds a console for a one-shot command. Callers close it.
func (c *cli) openConsole(cfg *core.Config, logger *zap.Logger, opts ...app.Option) (*app.Console, error) {
	all := append(append([]app.Option(nil), c.consoleOpts...), opts...)
	return app.New(cfg, logger, all...)
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{fmt.Errorf("%s takes no arguments, got %q", cmd.CommandPath(), args)}
	}
	return nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &usageError{fmt.Errorf("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args))}
		}
		return nil
	}
}
