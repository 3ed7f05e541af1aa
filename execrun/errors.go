package execrun

import (
	"errors"
	"fmt"
)

const (
	commandNotSpecifiedMessageConstant      = "no command specified"
	ambiguousCommandFormsMessageConstant    = "both argument and string command forms provided"
	loggerNotConfiguredMessageConstant      = "logger not configured"
	settingsNotConfiguredMessageConstant    = "runtime settings not configured"
	execFailedTemplateConstant              = "%s could not be started: %s (errno %d)"
	timeoutTemplateConstant                 = "%s did not finish within %d seconds"
	exitCodeTemplateConstant                = "%s exited with code %d above ceiling %d%s"
	unknownExitStatusTemplateConstant       = "%s produced an undecodable wait status %#x"
	standardErrorSuffixTemplateConstant     = ": %s"
	syntheticCommandLabelConstant           = "synthetic command"
)

var (
	// ErrCommandNotSpecified reports an empty CommandSpec.
	ErrCommandNotSpecified = errors.New(commandNotSpecifiedMessageConstant)
	// ErrAmbiguousCommandForms reports a spec carrying both command forms.
	ErrAmbiguousCommandForms = errors.New(ambiguousCommandFormsMessageConstant)
	// ErrLoggerNotConfigured indicates the executor was constructed without a logger.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrSettingsNotConfigured indicates the executor was constructed without runtime settings.
	ErrSettingsNotConfigured = errors.New(settingsNotConfiguredMessageConstant)
)

// ExecFailedError reports a child that could not be started or execed. It
// carries the operating system error regardless of whether the failure was
// observed synchronously or decoded from a status-pipe report.
type ExecFailedError struct {
	CommandLabel string
	Errno        uint32
	Message      string
}

// Error describes the exec failure.
func (execError ExecFailedError) Error() string {
	return fmt.Sprintf(execFailedTemplateConstant, execError.CommandLabel, execError.Message, execError.Errno)
}

// TimeoutError reports a blocking wait that exceeded the configured bound.
// ProcessID lets callers signal the still-running child; this layer never
// kills it.
type TimeoutError struct {
	CommandLabel   string
	TimeoutSeconds int
	ProcessID      int
}

// Error describes the timeout.
func (timeoutError TimeoutError) Error() string {
	return fmt.Sprintf(timeoutTemplateConstant, timeoutError.CommandLabel, timeoutError.TimeoutSeconds)
}

// ExitCodeError reports an exit code above the expected ceiling, carrying
// the captured standard error for display.
type ExitCodeError struct {
	CommandLabel          string
	ExitCode              int
	ExpectedReturnCeiling int
	StandardError         string
}

// Error describes the failed exit.
func (exitError ExitCodeError) Error() string {
	standardErrorSuffix := ""
	if len(exitError.StandardError) > 0 {
		standardErrorSuffix = fmt.Sprintf(standardErrorSuffixTemplateConstant, exitError.StandardError)
	}
	return fmt.Sprintf(exitCodeTemplateConstant, exitError.CommandLabel, exitError.ExitCode, exitError.ExpectedReturnCeiling, standardErrorSuffix)
}

// UnknownExitStatusError reports a wait status that corresponds to neither a
// normal exit nor a signal, surfaced alongside UndefinedReturnValue.
type UnknownExitStatusError struct {
	CommandLabel string
	RawStatus    int
}

// Error describes the undecodable status.
func (statusError UnknownExitStatusError) Error() string {
	return fmt.Sprintf(unknownExitStatusTemplateConstant, statusError.CommandLabel, statusError.RawStatus)
}
