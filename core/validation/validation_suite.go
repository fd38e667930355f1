package validation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"opsconsole/core"
)

// ValidationStep represents a single validation step with its status.
type ValidationStep struct {
	Name    string
	Status  StepStatus
	Message string
	Error   error
	Latency time.Duration
}

// StepStatus represents the status of a validation step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

// String returns the string representation of a step status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepWarning:
		return "warning"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SuiteResult represents the complete result of a suite run.
type SuiteResult struct {
	Steps       []ValidationStep
	TotalSteps  int
	PassedSteps int
	FailedSteps int
	Warnings    int
	Duration    time.Duration
	Success     bool
}

// Step names, in execution order.
const (
	StepEnvFile     = "Environment File"
	StepConfig      = "Configuration"
	StepStateDir    = "State Directory"
	StepDiskSpace   = "Disk Space"
	StepBackend     = "Backend Connectivity"
	StepAPIToken    = "API Token"
	StepPushChannel = "Push Channel"
)

// Suite runs the console's preflight checks against a loaded
// configuration and prints progress as it goes.
type Suite struct {
	cfg          *core.Config
	output       io.Writer
	envPath      string
	connectivity *ConnectivityChecker
	auth         *AuthChecker
	showProgress bool
	failFast     bool
}

// NewSuite creates a suite for cfg that prints to stdout.
func NewSuite(cfg *core.Config) *Suite {
	return &Suite{
		cfg:          cfg,
		output:       os.Stdout,
		envPath:      ".env",
		connectivity: NewConnectivityChecker().WithToken(cfg.APIToken),
		auth:         NewAuthChecker(),
		showProgress: true,
	}
}

// WithOutput sets the output writer for progress messages.
func (s *Suite) WithOutput(w io.Writer) *Suite {
	s.output = w
	return s
}

// WithEnvPath sets the .env file the first step looks for.
func (s *Suite) WithEnvPath(path string) *Suite {
	s.envPath = path
	return s
}

// WithTimeout sets the timeout for each network check.
func (s *Suite) WithTimeout(timeout time.Duration) *Suite {
	s.connectivity.WithTimeout(timeout)
	s.auth.WithTimeout(timeout)
	return s
}

// WithHTTPClient replaces the client used by the REST checks.
func (s *Suite) WithHTTPClient(client *http.Client) *Suite {
	s.connectivity.WithHTTPClient(client)
	s.auth.WithHTTPClient(client)
	return s
}

// WithShowProgress enables or disables progress output.
func (s *Suite) WithShowProgress(show bool) *Suite {
	s.showProgress = show
	return s
}

// WithFailFast stops validation on the first failure.
func (s *Suite) WithFailFast(failFast bool) *Suite {
	s.failFast = failFast
	return s
}

// Validate runs every check. The backend token and push channel checks
// are skipped when the backend cannot be reached.
func (s *Suite) Validate(ctx context.Context) SuiteResult {
	start := time.Now()
	if s.showProgress {
		s.printHeader("Operator Console Preflight")
	}

	steps, ok := s.localSteps()
	if !ok {
		return s.finish(steps, start)
	}

	backend := s.runStep(StepBackend, func() (StepStatus, string, error) {
		r := s.connectivity.CheckBackend(ctx, s.cfg.BackendURL)
		return passFail(r.Reachable), withLatency(r.Message, r.Latency), r.Error
	})
	steps = append(steps, backend)
	if s.failFast && backend.Status == StepFailed {
		return s.finish(steps, start)
	}

	if backend.Status != StepPassed {
		steps = append(steps,
			s.skip(StepAPIToken, "Skipped, backend unreachable"),
			s.skip(StepPushChannel, "Skipped, backend unreachable"))
		return s.finish(steps, start)
	}

	token := s.runStep(StepAPIToken, func() (StepStatus, string, error) {
		r := s.auth.CheckToken(ctx, s.cfg.BackendURL, s.cfg.APIToken)
		return passFail(r.Authenticated), r.Message, r.Error
	})
	steps = append(steps, token)
	if s.failFast && token.Status == StepFailed {
		return s.finish(steps, start)
	}

	steps = append(steps, s.runStep(StepPushChannel, func() (StepStatus, string, error) {
		r := s.connectivity.CheckPushChannel(ctx, s.cfg.PushURL)
		return passFail(r.Reachable), withLatency(r.Message, r.Latency), r.Error
	}))
	return s.finish(steps, start)
}

// ValidateQuick runs only the checks that need no network.
func (s *Suite) ValidateQuick() SuiteResult {
	start := time.Now()
	if s.showProgress {
		s.printHeader("Quick Configuration Check")
	}
	steps, _ := s.localSteps()
	return s.finish(steps, start)
}

// localSteps runs the offline checks. ok is false when fail-fast stopped
// the run early.
func (s *Suite) localSteps() (steps []ValidationStep, ok bool) {
	checks := []struct {
		name string
		fn   func() (StepStatus, string, error)
	}{
		{StepEnvFile, s.checkEnvFile},
		{StepConfig, s.checkConfig},
		{StepStateDir, s.checkStateDir},
		{StepDiskSpace, s.checkDiskSpace},
	}
	for _, c := range checks {
		step := s.runStep(c.name, c.fn)
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			return steps, false
		}
	}
	return steps, true
}

func (s *Suite) checkEnvFile() (StepStatus, string, error) {
	err := CheckFileExists(s.envPath)
	if err == nil {
		return StepPassed, fmt.Sprintf("Found %s", s.envPath), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return StepWarning, fmt.Sprintf("%s not found, using environment and defaults", s.envPath), nil
	}
	return StepFailed, "Cannot read environment file", err
}

func (s *Suite) checkConfig() (StepStatus, string, error) {
	if err := s.cfg.Validate(); err != nil {
		return StepFailed, "Configuration is invalid", err
	}
	return StepPassed, fmt.Sprintf("Backend %s", s.cfg.BackendURL), nil
}

func (s *Suite) stateDir() string {
	return filepath.Dir(s.cfg.DBPath)
}

func (s *Suite) checkStateDir() (StepStatus, string, error) {
	if s.cfg.DBPath == "" {
		return StepPassed, "No database configured", nil
	}
	if err := CheckWritableDir(s.stateDir()); err != nil {
		return StepFailed, "State directory is not writable", err
	}
	return StepPassed, fmt.Sprintf("%s is writable", s.stateDir()), nil
}

func (s *Suite) checkDiskSpace() (StepStatus, string, error) {
	info, err := GetDiskSpace(s.stateDir())
	if err != nil {
		return StepWarning, "Could not determine free space", nil
	}
	msg := fmt.Sprintf("%s free at %s", info.FreeFormatted(), info.Path)
	switch {
	case info.Free < MinStateFreeBytes:
		return StepFailed, msg, &DiskSpaceError{Path: info.Path, Required: MinStateFreeBytes, Available: info.Free}
	case info.Free < WarnStateFreeBytes:
		return StepWarning, msg + ", running low", nil
	}
	return StepPassed, msg, nil
}

func passFail(ok bool) StepStatus {
	if ok {
		return StepPassed
	}
	return StepFailed
}

func withLatency(msg string, latency time.Duration) string {
	if latency <= 0 {
		return msg
	}
	return fmt.Sprintf("%s (latency: %v)", msg, latency.Round(time.Millisecond))
}

// runStep executes a validation step with timing and progress output.
func (s *Suite) runStep(name string, fn func() (StepStatus, string, error)) ValidationStep {
	if s.showProgress {
		s.printStepStart(name)
	}

	startTime := time.Now()
	status, message, err := fn()
	step := ValidationStep{
		Name:    name,
		Status:  status,
		Message: message,
		Error:   err,
		Latency: time.Since(startTime),
	}

	if s.showProgress {
		s.printStep(step)
	}
	return step
}

func (s *Suite) skip(name, reason string) ValidationStep {
	step := ValidationStep{Name: name, Status: StepSkipped, Message: reason}
	if s.showProgress {
		s.printStep(step)
	}
	return step
}

func (s *Suite) finish(steps []ValidationStep, startTime time.Time) SuiteResult {
	result := SuiteResult{
		Steps:      steps,
		TotalSteps: len(steps),
		Duration:   time.Since(startTime),
		Success:    true,
	}
	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.PassedSteps++
		case StepFailed:
			result.FailedSteps++
			result.Success = false
		case StepWarning:
			result.Warnings++
		}
	}
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

func (s *Suite) printHeader(title string) {
	fmt.Fprintln(s.output)
	color.New(color.FgCyan, color.Bold).Fprintf(s.output, "━━━ %s ━━━\n", title)
	fmt.Fprintln(s.output)
}

// printStepStart prints the step name before execution for real-time feedback.
func (s *Suite) printStepStart(name string) {
	fmt.Fprintf(s.output, "  ◌ %s...", name)
}

func (s *Suite) printStep(step ValidationStep) {
	var icon string
	var clr *color.Color

	switch step.Status {
	case StepPassed:
		icon = "✓"
		clr = color.New(color.FgGreen)
	case StepFailed:
		icon = "✗"
		clr = color.New(color.FgRed)
	case StepWarning:
		icon = "!"
		clr = color.New(color.FgYellow)
	case StepSkipped:
		icon = "○"
		clr = color.New(color.FgHiBlack)
	default:
		icon = "?"
		clr = color.New(color.FgWhite)
	}

	// Overwrite the "running" line
	fmt.Fprintf(s.output, "\r")
	clr.Fprintf(s.output, "  %s %s", icon, step.Name)
	if step.Message != "" {
		color.New(color.FgHiBlack).Fprintf(s.output, " - %s", step.Message)
	}
	fmt.Fprintln(s.output)

	if step.Status == StepFailed && step.Error != nil {
		color.New(color.FgRed).Fprintf(s.output, "    └─ %s\n", step.Error.Error())
	}
}

func (s *Suite) printSummary(result SuiteResult) {
	fmt.Fprintln(s.output)

	if result.Success {
		successColor := color.New(color.FgGreen, color.Bold)
		successColor.Fprintf(s.output, "━━━ Preflight Passed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d/%d checks passed in %v)",
			result.PassedSteps, result.TotalSteps, result.Duration.Round(time.Millisecond))
		successColor.Fprintln(s.output, " ━━━")
	} else {
		failColor := color.New(color.FgRed, color.Bold)
		failColor.Fprintf(s.output, "━━━ Preflight Failed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d passed, %d failed)",
			result.PassedSteps, result.FailedSteps)
		failColor.Fprintln(s.output, " ━━━")
	}

	fmt.Fprintln(s.output)
}

// Step returns the named step and whether it ran.
func (r SuiteResult) Step(name string) (ValidationStep, bool) {
	for _, step := range r.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return ValidationStep{}, false
}

// GetErrors returns all errors from failed steps.
func (r SuiteResult) GetErrors() []error {
	errs := make([]error, 0)
	for _, step := range r.Steps {
		if step.Error != nil {
			errs = append(errs, step.Error)
		}
	}
	return errs
}

// GetFirstError returns the first error from failed steps, or nil if all passed.
func (r SuiteResult) GetFirstError() error {
	for _, step := range r.Steps {
		if step.Error != nil {
			return step.Error
		}
	}
	return nil
}

// Summary returns a human-readable summary string.
func (r SuiteResult) Summary() string {
	var sb strings.Builder
	outcome := "Passed"
	if !r.Success {
		outcome = "Failed"
	}
	fmt.Fprintf(&sb, "Preflight %s: %d/%d checks passed", outcome, r.PassedSteps, r.TotalSteps)
	if r.FailedSteps > 0 {
		fmt.Fprintf(&sb, ", %d failed", r.FailedSteps)
	}
	if r.Warnings > 0 {
		fmt.Fprintf(&sb, ", %d warnings", r.Warnings)
	}
	fmt.Fprintf(&sb, " (took %v)", r.Duration.Round(time.Millisecond))
	return sb.String()
}
