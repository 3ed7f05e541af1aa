package execrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/temirov/procrun/pidfile"
)

const (
	scratchInputNameTemplateConstant = "procrun-stdin-%s"
	scratchInputFileModeConstant     = 0o600
)

// runShell hands the string-form command to the platform shell. Synchronous
// runs reuse the shared pipe supervision with the shell as the child; async
// and detached runs background the command inside the shell line and collect
// the real child's pid through the pidfile rendezvous, so the pid reported to
// the caller is never the shell's own.
func (executor *CommandExecutor) runShell(executionContext context.Context, spec CommandSpec) (ExecutionResult, error) {
	if spec.Detach {
		pidRendezvous, pidfileError := pidfile.New(executor.settings.RunDirectoryPath())
		if pidfileError != nil {
			return ExecutionResult{}, pidfileError
		}
		return executor.detachShellCommand(executionContext, spec, spec.CommandLine, pidRendezvous)
	}
	if spec.Async {
		return executor.runShellAsync(executionContext, spec)
	}

	shellVector := []string{executor.settings.ShellPath, shellCommandFlagConstant, spec.CommandLine}
	return executor.superviseArgumentVector(executionContext, spec, shellVector)
}

// runShellAsync backgrounds the command inside the shell line, lets the shell
// publish the backgrounded pid, and reaps the short-lived shell itself. The
// command keeps the caller's session, unlike a detached run.
func (executor *CommandExecutor) runShellAsync(executionContext context.Context, spec CommandSpec) (ExecutionResult, error) {
	pidRendezvous, pidfileError := pidfile.New(executor.settings.RunDirectoryPath())
	if pidfileError != nil {
		return ExecutionResult{}, pidfileError
	}

	stdinTarget, stdinError := executor.stdinShellTarget(spec)
	if stdinError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, stdinError
	}
	stdoutTarget, stdoutError := quotedFileTarget(spec.Stdout)
	if stdoutError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, stdoutError
	}
	stderrTarget, stderrError := quotedFileTarget(spec.Stderr)
	if stderrError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, stderrError
	}
	pidfileTarget, pidfileQuoteError := quoteShellWord(pidRendezvous.Path())
	if pidfileQuoteError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, pidfileQuoteError
	}

	shellLine := fmt.Sprintf(backgroundShellLineTemplateConstant, spec.CommandLine, stdinTarget, stdoutTarget, stderrTarget, pidfileTarget)

	nullDevice, nullError := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if nullError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, nullError
	}
	defer nullDevice.Close()

	shellArguments := []string{executor.settings.ShellPath, shellCommandFlagConstant, shellLine}
	processAttributes := &os.ProcAttr{
		Dir:   spec.WorkingDirectory,
		Env:   buildEnvironment(spec),
		Files: []*os.File{nullDevice, nullDevice, nullDevice},
	}

	shellProcess, startError := os.StartProcess(executor.settings.ShellPath, shellArguments, processAttributes)
	if startError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, execFailedFromError(spec, startError)
	}
	// The shell exits right after backgrounding and echoing the pid.
	if _, waitError := shellProcess.Wait(); waitError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, fmt.Errorf(reapFailureTemplateConstant, spec.CommandLabel(), waitError)
	}

	publishedPid, awaitError := pidRendezvous.AwaitPid(executionContext, executor.settings.PidPollInterval, executor.settings.PidWaitTimeout)
	if awaitError != nil {
		return ExecutionResult{}, awaitError
	}
	return ExecutionResult{ProcessID: publishedPid}, nil
}

// stdinShellTarget renders the stdin redirection source for a backgrounded
// shell line. In-memory input is materialized as a scratch file because the
// supervisor does not stay around to feed a pipe.
func (executor *CommandExecutor) stdinShellTarget(spec CommandSpec) (string, error) {
	if len(spec.StandardInput) == 0 {
		return os.DevNull, nil
	}
	scratchPath := filepath.Join(executor.settings.TempDirectoryPath(), fmt.Sprintf(scratchInputNameTemplateConstant, uuid.NewString()))
	if writeError := os.WriteFile(scratchPath, []byte(spec.StandardInput), scratchInputFileModeConstant); writeError != nil {
		return emptyStringConstant, writeError
	}
	return quoteShellWord(scratchPath)
}
