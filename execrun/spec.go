package execrun

import (
	"io"
	"strings"

	"github.com/temirov/procrun/streams"
)

const (
	commandLabelJoinSeparatorConstant = " "
)

// CommandSpec describes one command execution request. Exactly one of
// Arguments (literal argument vector, no shell interpretation) and
// CommandLine (opaque string interpreted by the platform shell when it
// contains shell syntax) must be populated, or Callback for synthetic
// commands.
type CommandSpec struct {
	// Arguments is the array-form command.
	Arguments []string
	// CommandLine is the string-form command.
	CommandLine string
	// Callback is a synthetic zero-argument command executed in place of a
	// child process; its return value is translated into the exit-status
	// schema. Used by tests and embedders.
	Callback func() int

	// ProgramName labels log lines and is stripped from filtered output.
	ProgramName string

	// StandardInput feeds the child's stdin through a pipe when non-empty.
	// When empty and Stdin requests capture, stdin reads from the null device.
	StandardInput string
	// Stdin, Stdout, and Stderr select redirection targets. The zero value
	// captures stdout and stderr; see StandardInput for the stdin default.
	Stdin  streams.RedirectionSpec
	Stdout streams.RedirectionSpec
	Stderr streams.RedirectionSpec

	// EchoOutput mirrors captured stdout to EchoWriter while draining.
	EchoOutput bool
	// EchoWriter overrides the echo destination; defaults to the parent's
	// own stdout.
	EchoWriter io.Writer

	// WorkingDirectory is the directory the child changes into first.
	WorkingDirectory string
	// EnvironmentVariables are merged over the parent environment.
	EnvironmentVariables map[string]string

	// Async returns as soon as the child's identity is known.
	Async bool
	// Detach fully disassociates the child from the caller's session.
	Detach bool

	// TimeoutSeconds bounds the blocking wait; zero means unbounded.
	TimeoutSeconds int
	// ExpectedReturnCeiling is the highest exit code still considered
	// success; zero by default.
	ExpectedReturnCeiling int

	// ForceShell and ForceExternalRunner override strategy selection.
	ForceShell          bool
	ForceExternalRunner bool

	// CloseAllFiles closes descriptors beyond the standard streams in the
	// child except those listed in KeepDescriptors. Descriptors not listed
	// are closed across the exec regardless; the flag is accepted for
	// callers that state the intent explicitly.
	CloseAllFiles bool
	// KeepDescriptors lists parent descriptors the child keeps open.
	KeepDescriptors []int
}

// Validate confirms exactly one command representation is active.
func (spec CommandSpec) Validate() error {
	if spec.Callback != nil {
		if len(spec.Arguments) > 0 || len(strings.TrimSpace(spec.CommandLine)) > 0 {
			return ErrAmbiguousCommandForms
		}
		return nil
	}

	hasArgumentForm := len(spec.Arguments) > 0
	hasStringForm := len(strings.TrimSpace(spec.CommandLine)) > 0
	if hasArgumentForm && hasStringForm {
		return ErrAmbiguousCommandForms
	}
	if !hasArgumentForm && !hasStringForm {
		return ErrCommandNotSpecified
	}
	if hasArgumentForm && len(strings.TrimSpace(spec.Arguments[0])) == 0 {
		return ErrCommandNotSpecified
	}
	return nil
}

// HasArgumentForm reports whether the array-form representation is active.
func (spec CommandSpec) HasArgumentForm() bool {
	return len(spec.Arguments) > 0
}

// CommandLabel renders the command for log lines and error messages.
func (spec CommandSpec) CommandLabel() string {
	if spec.Callback != nil {
		return syntheticCommandLabelConstant
	}
	if spec.HasArgumentForm() {
		return strings.Join(spec.Arguments, commandLabelJoinSeparatorConstant)
	}
	return spec.CommandLine
}

// timeoutConfigured reports whether the blocking wait is bounded.
func (spec CommandSpec) timeoutConfigured() bool {
	return spec.TimeoutSeconds > 0
}
