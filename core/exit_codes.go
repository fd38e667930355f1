package core

// Process exit codes for the console commands.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitUsage       = 2
	ExitUnreachable = 3 // backend could not be reached
	ExitUnhealthy   = 4 // health command scored critical
	ExitInterrupted = 130
)

// ExitCodeFor maps a command error to an exit code. Backend connectivity
// failures get their own code so scripts can tell them apart.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	switch ClassifyError(err) {
	case ErrCodeUpstreamUnavailable, ErrCodeStreamFailed:
		return ExitUnreachable
	case ErrCodeInvalidConfig, ErrCodeMissingConfig:
		return ExitUsage
	}
	return ExitError
}
