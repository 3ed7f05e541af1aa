package execrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
	"mvdan.cc/sh/v3/syntax"

	"github.com/temirov/procrun/pidfile"
	"github.com/temirov/procrun/streams"
)

const (
	nullTargetPlaceholderConstant       = "-"
	backgroundShellLineTemplateConstant = "{ %s ; } < %s > %s 2> %s & echo $! > %s"
	shellCommandFlagConstant            = "-c"
	drainFailureTemplateConstant        = "output drain failed: %w"
	reapFailureTemplateConstant         = "wait for %s failed: %w"
	genericExecFailureErrnoConstant     = uint32(unix.ENOENT)
	helperSpawnFailureTemplateConstant  = "detach helper failed: %w"
)

// runForkExec executes an array-form command natively, without a shell.
func (executor *CommandExecutor) runForkExec(executionContext context.Context, spec CommandSpec) (ExecutionResult, error) {
	if spec.Detach {
		return executor.runDetached(executionContext, spec, spec.Arguments)
	}
	return executor.superviseArgumentVector(executionContext, spec, spec.Arguments)
}

// superviseArgumentVector spawns argumentVector with explicit descriptor
// wiring and runs the shared wait/drain/timeout protocol. It backs both the
// fork-exec and piped-exec strategies.
func (executor *CommandExecutor) superviseArgumentVector(executionContext context.Context, spec CommandSpec, argumentVector []string) (ExecutionResult, error) {
	executablePath, lookupError := exec.LookPath(argumentVector[0])
	if lookupError != nil {
		return ExecutionResult{}, execFailedFromError(spec, lookupError)
	}

	normalizedSpec := normalizeRedirectionsForBackground(spec)

	streamSet, streamError := streams.NewStandardStreamSet()
	if streamError != nil {
		return ExecutionResult{}, streamError
	}

	descriptorTable, tableError := streams.BuildChildDescriptorTable(
		effectiveStdinSpec(normalizedSpec),
		normalizedSpec.Stdout,
		normalizedSpec.Stderr,
		streamSet,
		normalizedSpec.KeepDescriptors,
	)
	if tableError != nil {
		streamSet.CloseAll()
		return ExecutionResult{}, tableError
	}

	processAttributes := &os.ProcAttr{
		Dir:   normalizedSpec.WorkingDirectory,
		Env:   buildEnvironment(normalizedSpec),
		Files: descriptorTable.Files,
	}

	childProcess, startError := os.StartProcess(executablePath, argumentVector, processAttributes)
	streamSet.CloseChildEnds()
	descriptorTable.CloseOpened()
	if startError != nil {
		streamSet.CloseParentEnds()
		return ExecutionResult{}, execFailedFromError(spec, startError)
	}

	// The native spawn reports exec failures synchronously, so the status
	// pipe stays unused on this path.
	closeParentEnd(streamSet.Status.ReadEnd)

	parentStreams := parentStreamEnds(normalizedSpec, streamSet)

	if normalizedSpec.Async {
		// The feed runs behind the returned pid; a child that never reads
		// its stdin must not block the caller.
		go feedStandardInput(parentStreams.stdinWriteEnd, normalizedSpec.StandardInput)
		parentStreams.closeReadEnds()
		go childProcess.Wait()
		return ExecutionResult{ProcessID: childProcess.Pid}, nil
	}

	return executor.drainAndReap(normalizedSpec, childProcess, parentStreams)
}

// drainAndReap runs the shared blocking supervision: feed stdin and drain
// both captured pipes under the deadline, then collect and decode the exit
// status under what remains of the same deadline.
func (executor *CommandExecutor) drainAndReap(spec CommandSpec, childProcess *os.Process, parentStreams parentStreamSet) (ExecutionResult, error) {
	echoWriter := resolveEchoWriter(spec)
	deadline := waitDeadline(spec)

	standardOutput, standardError, timedOut, drainError := drainProcessOutput(
		parentStreams.stdinWriteEnd,
		spec.StandardInput,
		parentStreams.stdoutReadEnd,
		parentStreams.stderrReadEnd,
		echoWriter,
		deadline,
	)
	parentStreams.closeAll()

	if drainError != nil {
		go childProcess.Wait()
		return ExecutionResult{}, fmt.Errorf(drainFailureTemplateConstant, drainError)
	}
	if timedOut {
		// The child keeps running; callers escalate with the pid themselves.
		go childProcess.Wait()
		return ExecutionResult{}, TimeoutError{
			CommandLabel:   spec.CommandLabel(),
			TimeoutSeconds: spec.TimeoutSeconds,
			ProcessID:      childProcess.Pid,
		}
	}

	processState, reapTimedOut, waitError := reapWithDeadline(childProcess, deadline)
	if waitError != nil {
		return ExecutionResult{}, fmt.Errorf(reapFailureTemplateConstant, spec.CommandLabel(), waitError)
	}
	if reapTimedOut {
		return ExecutionResult{}, TimeoutError{
			CommandLabel:   spec.CommandLabel(),
			TimeoutSeconds: spec.TimeoutSeconds,
			ProcessID:      childProcess.Pid,
		}
	}

	return buildReapedResult(spec, processState, string(standardOutput), string(standardError)), nil
}

// runDetached fully disassociates the child: the intermediate is spawned in
// a new session, forks the target, publishes the target's pid through the
// pidfile, and exits so the target reparents to init.
func (executor *CommandExecutor) runDetached(executionContext context.Context, spec CommandSpec, argumentVector []string) (ExecutionResult, error) {
	pidRendezvous, pidfileError := pidfile.New(executor.settings.RunDirectoryPath())
	if pidfileError != nil {
		return ExecutionResult{}, pidfileError
	}

	if executor.capability.DetachHelperAvailable {
		return executor.runDetachedViaHelper(executionContext, spec, argumentVector, pidRendezvous)
	}
	return executor.runDetachedViaShell(executionContext, spec, argumentVector, pidRendezvous)
}

func (executor *CommandExecutor) runDetachedViaHelper(executionContext context.Context, spec CommandSpec, argumentVector []string, pidRendezvous pidfile.Pidfile) (ExecutionResult, error) {
	helperPath, lookupError := exec.LookPath(executor.settings.DetachHelperPath)
	if lookupError != nil {
		return ExecutionResult{}, execFailedFromError(spec, lookupError)
	}

	statusPair, statusError := streams.NewPipePair(true)
	if statusError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, statusError
	}

	nullDevice, nullError := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if nullError != nil {
		statusPair.Close()
		pidRendezvous.Remove()
		return ExecutionResult{}, nullError
	}
	defer nullDevice.Close()

	helperArguments := append([]string{
		executor.settings.DetachHelperPath,
		pidRendezvous.Path(),
		placeholderOrValue(spec.WorkingDirectory),
		fileTargetOrPlaceholder(spec.Stdout),
		fileTargetOrPlaceholder(spec.Stderr),
	}, argumentVector...)

	processAttributes := &os.ProcAttr{
		Env:   buildEnvironment(spec),
		Files: []*os.File{nullDevice, nullDevice, nullDevice, statusPair.WriteEnd},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	helperProcess, startError := os.StartProcess(helperPath, helperArguments, processAttributes)
	closeParentEnd(statusPair.WriteEnd)
	if startError != nil {
		closeParentEnd(statusPair.ReadEnd)
		pidRendezvous.Remove()
		return ExecutionResult{}, fmt.Errorf(helperSpawnFailureTemplateConstant, startError)
	}

	// The helper exits as soon as it has spawned the target and published
	// the pid, so this wait is bounded.
	if _, waitError := helperProcess.Wait(); waitError != nil {
		closeParentEnd(statusPair.ReadEnd)
		pidRendezvous.Remove()
		return ExecutionResult{}, fmt.Errorf(helperSpawnFailureTemplateConstant, waitError)
	}

	report, reportError := streams.ReadExecStatus(statusPair.ReadEnd)
	closeParentEnd(statusPair.ReadEnd)
	if reportError == nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, ExecFailedError{
			CommandLabel: spec.CommandLabel(),
			Errno:        report.Errno,
			Message:      report.Message,
		}
	}
	if !errors.Is(reportError, streams.ErrNoExecStatus) {
		pidRendezvous.Remove()
		return ExecutionResult{}, reportError
	}

	publishedPid, awaitError := pidRendezvous.AwaitPid(executionContext, executor.settings.PidPollInterval, executor.settings.PidWaitTimeout)
	if awaitError != nil {
		return ExecutionResult{}, awaitError
	}
	return ExecutionResult{ProcessID: publishedPid}, nil
}

// runDetachedViaShell is the fallback intermediate when the helper binary is
// not installed: the shell backgrounds the fully quoted command and writes
// its pid into the pidfile.
func (executor *CommandExecutor) runDetachedViaShell(executionContext context.Context, spec CommandSpec, argumentVector []string, pidRendezvous pidfile.Pidfile) (ExecutionResult, error) {
	quotedCommand, quoteError := quoteArgumentVector(argumentVector)
	if quoteError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, quoteError
	}
	return executor.detachShellCommand(executionContext, spec, quotedCommand, pidRendezvous)
}

// detachShellCommand backgrounds commandText in a new session through the
// shell and collects the published pid. commandText is already shell-safe.
func (executor *CommandExecutor) detachShellCommand(executionContext context.Context, spec CommandSpec, commandText string, pidRendezvous pidfile.Pidfile) (ExecutionResult, error) {
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

	shellLine := fmt.Sprintf(backgroundShellLineTemplateConstant, commandText, stdinTarget, stdoutTarget, stderrTarget, pidfileTarget)

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
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	shellProcess, startError := os.StartProcess(executor.settings.ShellPath, shellArguments, processAttributes)
	if startError != nil {
		pidRendezvous.Remove()
		return ExecutionResult{}, execFailedFromError(spec, startError)
	}
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

// parentStreamSet tracks the parent-side pipe ends still open after a spawn.
type parentStreamSet struct {
	stdinWriteEnd *os.File
	stdoutReadEnd *os.File
	stderrReadEnd *os.File
}

func (ends parentStreamSet) closeReadEnds() {
	closeParentEnd(ends.stdoutReadEnd)
	closeParentEnd(ends.stderrReadEnd)
}

// closeAll also releases the stdin write end; a second close of an end the
// drain loop already closed is a no-op.
func (ends parentStreamSet) closeAll() {
	closeParentEnd(ends.stdinWriteEnd)
	ends.closeReadEnds()
}

// parentStreamEnds keeps only the ends matching captured streams and closes
// the pipes redirection left unused.
func parentStreamEnds(spec CommandSpec, streamSet streams.StandardStreamSet) parentStreamSet {
	var ends parentStreamSet

	if effectiveStdinSpec(spec).Mode == streams.RedirectionCapture {
		ends.stdinWriteEnd = streamSet.Stdin.WriteEnd
	} else {
		closeParentEnd(streamSet.Stdin.WriteEnd)
	}
	if spec.Stdout.Mode == streams.RedirectionCapture {
		ends.stdoutReadEnd = streamSet.Stdout.ReadEnd
	} else {
		closeParentEnd(streamSet.Stdout.ReadEnd)
	}
	if spec.Stderr.Mode == streams.RedirectionCapture {
		ends.stderrReadEnd = streamSet.Stderr.ReadEnd
	} else {
		closeParentEnd(streamSet.Stderr.ReadEnd)
	}
	return ends
}

// effectiveStdinSpec applies the stdin default: a capture-mode stdin reads
// the in-memory input through a pipe when provided, the null device otherwise.
func effectiveStdinSpec(spec CommandSpec) streams.RedirectionSpec {
	if spec.Stdin.Mode == streams.RedirectionCapture && len(spec.StandardInput) == 0 {
		return streams.RedirectionSpec{Mode: streams.RedirectionNullDevice}
	}
	return spec.Stdin
}

// normalizeRedirectionsForBackground downgrades capture to the null device
// for async executions, where nobody stays behind to drain the pipes.
func normalizeRedirectionsForBackground(spec CommandSpec) CommandSpec {
	if !spec.Async && !spec.Detach {
		return spec
	}
	normalized := spec
	if normalized.Stdout.Mode == streams.RedirectionCapture {
		normalized.Stdout = streams.RedirectionSpec{Mode: streams.RedirectionNullDevice}
	}
	if normalized.Stderr.Mode == streams.RedirectionCapture {
		normalized.Stderr = streams.RedirectionSpec{Mode: streams.RedirectionNullDevice}
	}
	return normalized
}

// buildReapedResult decodes the wait status into the normalized result schema.
func buildReapedResult(spec CommandSpec, processState *os.ProcessState, standardOutput string, standardError string) ExecutionResult {
	waitStatus := unix.WaitStatus(processState.Sys().(syscall.WaitStatus))
	returnValue, terminationSignal, coreDumped, known := decodeWaitStatus(waitStatus)
	if !known {
		returnValue = UndefinedReturnValue
	}
	return ExecutionResult{
		ReturnValue:       returnValue,
		TerminationSignal: terminationSignal,
		CoreDumped:        coreDumped,
		RawWaitStatus:     int(waitStatus),
		StandardOutput:    standardOutput,
		StandardError:     standardError,
		FilteredOutput:    FilterCapturedOutput(standardOutput, spec.ProgramName),
	}
}

func resolveEchoWriter(spec CommandSpec) io.Writer {
	if !spec.EchoOutput {
		return nil
	}
	if spec.EchoWriter != nil {
		return newLiveEchoWriter(spec.EchoWriter)
	}
	return newLiveEchoWriter(os.Stdout)
}

// execFailedFromError normalizes a synchronous spawn error into the same
// shape a status-pipe report decodes to.
func execFailedFromError(spec CommandSpec, startError error) ExecFailedError {
	return ExecFailedError{
		CommandLabel: spec.CommandLabel(),
		Errno:        errnoFromError(startError),
		Message:      startError.Error(),
	}
}

func errnoFromError(failure error) uint32 {
	var errnoValue unix.Errno
	if errors.As(failure, &errnoValue) {
		return uint32(errnoValue)
	}
	return genericExecFailureErrnoConstant
}

func closeParentEnd(file *os.File) {
	if file != nil {
		file.Close()
	}
}

func placeholderOrValue(value string) string {
	if len(value) == 0 {
		return nullTargetPlaceholderConstant
	}
	return value
}

func fileTargetOrPlaceholder(redirection streams.RedirectionSpec) string {
	if redirection.Mode == streams.RedirectionFilePath && len(redirection.Path) > 0 {
		return redirection.Path
	}
	return nullTargetPlaceholderConstant
}

func quotedFileTarget(redirection streams.RedirectionSpec) (string, error) {
	if redirection.Mode == streams.RedirectionFilePath && len(redirection.Path) > 0 {
		return quoteShellWord(redirection.Path)
	}
	return os.DevNull, nil
}

func quoteShellWord(word string) (string, error) {
	quotedWord, quoteError := syntax.Quote(word, syntax.LangPOSIX)
	if quoteError != nil {
		return "", fmt.Errorf(argumentQuoteFailureTemplateConstant, word, quoteError)
	}
	return quotedWord, nil
}
