package execrun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/temirov/procrun/pidfile"
	"github.com/temirov/procrun/streams"
)

const (
	runnerParseFailureTemplateConstant = "runner could not parse %s: %w"
	runnerBuildFailureTemplateConstant = "runner construction failed: %w"
	runnerRunFailureTemplateConstant   = "runner failed: %w"
	runnerLookupFailureTemplate        = "%s: %v\n"
	runnerNotFoundExitCodeConstant     = 127
	runnerSignalExitBaseConstant       = 128
	runnerKillDelayConstant            = 2 * time.Second
)

// ExternalSession follows a command still running inside the external runner.
// The first pid becomes available once the runner spawns its first pipeline
// stage; commands made of builtins alone never produce one.
type ExternalSession struct {
	commandLabel string
	firstPid     atomic.Int64
	pidPublished chan struct{}
	done         chan struct{}
	finalResult  ExecutionResult
	finalError   error
}

func newExternalSession(commandLabel string) *ExternalSession {
	return &ExternalSession{
		commandLabel: commandLabel,
		pidPublished: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ProcessID reports the first pipeline stage's pid, zero while nothing has
// been spawned yet.
func (session *ExternalSession) ProcessID() int {
	return int(session.firstPid.Load())
}

func (session *ExternalSession) recordPid(processID int) {
	if session.firstPid.CompareAndSwap(0, int64(processID)) {
		close(session.pidPublished)
	}
}

// awaitFirstPid blocks until the runner spawns its first stage, the run
// finishes, or the rendezvous bound passes, then reports whatever pid is
// known. A builtin-only command finishes without spawning anything, which
// correctly reports as zero rather than a rendezvous failure.
func (session *ExternalSession) awaitFirstPid(waitContext context.Context, waitTimeout time.Duration) int {
	rendezvousTimer := time.NewTimer(waitTimeout)
	defer rendezvousTimer.Stop()
	select {
	case <-session.pidPublished:
	case <-session.done:
	case <-rendezvousTimer.C:
	case <-waitContext.Done():
	}
	return session.ProcessID()
}

// Wait blocks until the runner finishes or waitContext is done, then reports
// the command's final result.
func (session *ExternalSession) Wait(waitContext context.Context) (ExecutionResult, error) {
	select {
	case <-session.done:
		return session.finalResult, session.finalError
	case <-waitContext.Done():
		return ExecutionResult{}, waitContext.Err()
	}
}

// runExternalRunner interprets the command with the embedded pipeline-capable
// runner. Detached commands cannot live inside the caller's process, so they
// fall back to the shell intermediate.
func (executor *CommandExecutor) runExternalRunner(executionContext context.Context, spec CommandSpec) (ExecutionResult, error) {
	if spec.Detach {
		pidRendezvous, pidfileError := pidfile.New(executor.settings.RunDirectoryPath())
		if pidfileError != nil {
			return ExecutionResult{}, pidfileError
		}
		return executor.detachShellCommand(executionContext, spec, runnerSource(spec), pidRendezvous)
	}

	session := newExternalSession(spec.CommandLabel())

	if spec.Async {
		backgroundSpec := normalizeRedirectionsForBackground(spec)
		go func() {
			session.finalResult, session.finalError = executor.interpretCommand(context.Background(), backgroundSpec, session)
			close(session.done)
		}()
		// The same rendezvous the pidfile paths perform, held in memory:
		// the caller gets the first stage's real pid, not a placeholder.
		publishedPid := session.awaitFirstPid(executionContext, executor.settings.PidWaitTimeout)
		return ExecutionResult{ProcessID: publishedPid, Session: session}, nil
	}

	result, runError := executor.interpretCommand(executionContext, spec, session)
	session.finalResult, session.finalError = result, runError
	close(session.done)
	return result, runError
}

// interpretCommand parses and runs the command source inside one interpreter
// instance, capturing output and translating the interpreter's exit status
// into the common result schema.
func (executor *CommandExecutor) interpretCommand(runContext context.Context, spec CommandSpec, session *ExternalSession) (ExecutionResult, error) {
	parsedProgram, parseError := syntax.NewParser().Parse(strings.NewReader(runnerSource(spec)), spec.CommandLabel())
	if parseError != nil {
		return ExecutionResult{}, fmt.Errorf(runnerParseFailureTemplateConstant, spec.CommandLabel(), parseError)
	}

	var stdoutBuffer, stderrBuffer bytes.Buffer

	stdinReader, stdinCleanup, stdinError := runnerInputReader(spec)
	if stdinError != nil {
		return ExecutionResult{}, stdinError
	}
	defer stdinCleanup()

	stdoutWriter, stdoutCleanup, stdoutError := runnerOutputWriter(spec.Stdout, &stdoutBuffer, os.Stdout, resolveEchoWriter(spec))
	if stdoutError != nil {
		return ExecutionResult{}, stdoutError
	}
	defer stdoutCleanup()

	stderrWriter, stderrCleanup, stderrError := runnerOutputWriter(spec.Stderr, &stderrBuffer, os.Stderr, nil)
	if stderrError != nil {
		return ExecutionResult{}, stderrError
	}
	defer stderrCleanup()

	runnerOptions := []interp.RunnerOption{
		interp.StdIO(stdinReader, stdoutWriter, stderrWriter),
		interp.Env(expand.ListEnviron(buildEnvironment(spec)...)),
		interp.ExecHandlers(session.pidRecordingExecHandler),
	}
	if len(spec.WorkingDirectory) > 0 {
		runnerOptions = append(runnerOptions, interp.Dir(spec.WorkingDirectory))
	}

	commandRunner, constructionError := interp.New(runnerOptions...)
	if constructionError != nil {
		return ExecutionResult{}, fmt.Errorf(runnerBuildFailureTemplateConstant, constructionError)
	}

	if spec.timeoutConfigured() {
		var cancelRun context.CancelFunc
		runContext, cancelRun = context.WithTimeout(runContext, time.Duration(spec.TimeoutSeconds)*time.Second)
		defer cancelRun()
	}

	runError := commandRunner.Run(runContext, parsedProgram)

	result := ExecutionResult{
		StandardOutput: stdoutBuffer.String(),
		StandardError:  stderrBuffer.String(),
		FilteredOutput: FilterCapturedOutput(stdoutBuffer.String(), spec.ProgramName),
		ProcessID:      session.ProcessID(),
	}

	if runContext.Err() == context.DeadlineExceeded {
		return result, TimeoutError{
			CommandLabel:   spec.CommandLabel(),
			TimeoutSeconds: spec.TimeoutSeconds,
			ProcessID:      session.ProcessID(),
		}
	}
	if runError != nil {
		if exitStatus, isExitStatus := interp.IsExitStatus(runError); isExitStatus {
			result.ReturnValue = int(exitStatus)
			return result, nil
		}
		return result, fmt.Errorf(runnerRunFailureTemplateConstant, runError)
	}
	return result, nil
}

// pidRecordingExecHandler spawns pipeline stages itself instead of delegating
// to the interpreter's default handler, so the session learns the first
// spawned pid.
func (session *ExternalSession) pidRecordingExecHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(handlerContext context.Context, arguments []string) error {
		if len(arguments) == 0 {
			return next(handlerContext, arguments)
		}
		handlerState := interp.HandlerCtx(handlerContext)

		executablePath, lookupError := interp.LookPathDir(handlerState.Dir, handlerState.Env, arguments[0])
		if lookupError != nil {
			fmt.Fprintf(handlerState.Stderr, runnerLookupFailureTemplate, arguments[0], lookupError)
			return interp.NewExitStatus(runnerNotFoundExitCodeConstant)
		}

		stageCommand := exec.Cmd{
			Path:   executablePath,
			Args:   arguments,
			Env:    exportedEnvironmentList(handlerState.Env),
			Dir:    handlerState.Dir,
			Stdin:  handlerState.Stdin,
			Stdout: handlerState.Stdout,
			Stderr: handlerState.Stderr,
		}
		if startError := stageCommand.Start(); startError != nil {
			fmt.Fprintf(handlerState.Stderr, runnerLookupFailureTemplate, arguments[0], startError)
			return interp.NewExitStatus(runnerNotFoundExitCodeConstant)
		}
		session.recordPid(stageCommand.Process.Pid)

		waitDone := make(chan struct{})
		go func() {
			select {
			case <-handlerContext.Done():
				stageCommand.Process.Signal(os.Interrupt)
				select {
				case <-waitDone:
				case <-time.After(runnerKillDelayConstant):
					stageCommand.Process.Kill()
				}
			case <-waitDone:
			}
		}()

		waitError := stageCommand.Wait()
		close(waitDone)
		if waitError == nil {
			return nil
		}
		if stageCommand.ProcessState != nil {
			waitStatus := unix.WaitStatus(stageCommand.ProcessState.Sys().(syscall.WaitStatus))
			if waitStatus.Signaled() {
				return interp.NewExitStatus(uint8(runnerSignalExitBaseConstant + int(waitStatus.Signal())))
			}
			return interp.NewExitStatus(uint8(waitStatus.ExitStatus()))
		}
		return waitError
	}
}

// runnerSource renders the command as interpreter input. An argument vector
// routed here carries pipeline syntax inside its elements, so the elements
// join verbatim for interpretation.
func runnerSource(spec CommandSpec) string {
	if spec.HasArgumentForm() {
		return strings.Join(spec.Arguments, commandLabelJoinSeparatorConstant)
	}
	return spec.CommandLine
}

// runnerInputReader resolves the interpreter's stdin the same way the spawn
// paths wire descriptor zero.
func runnerInputReader(spec CommandSpec) (io.Reader, func(), error) {
	noCleanup := func() {}
	if len(spec.StandardInput) > 0 {
		return strings.NewReader(spec.StandardInput), noCleanup, nil
	}
	switch spec.Stdin.Mode {
	case streams.RedirectionInherit:
		return os.Stdin, noCleanup, nil
	case streams.RedirectionFilePath:
		inputFile, openError := os.Open(spec.Stdin.Path)
		if openError != nil {
			return nil, noCleanup, openError
		}
		return inputFile, func() { inputFile.Close() }, nil
	case streams.RedirectionHandle:
		if spec.Stdin.Handle == nil {
			return nil, noCleanup, streams.ErrRedirectionHandleMissing
		}
		return spec.Stdin.Handle, noCleanup, nil
	default:
		return strings.NewReader(emptyStringConstant), noCleanup, nil
	}
}

// runnerOutputWriter resolves one output stream; capture writes into buffer,
// optionally teeing into echoWriter.
func runnerOutputWriter(redirection streams.RedirectionSpec, buffer *bytes.Buffer, inheritedFile *os.File, echoWriter io.Writer) (io.Writer, func(), error) {
	noCleanup := func() {}
	switch redirection.Mode {
	case streams.RedirectionCapture:
		if echoWriter != nil {
			return io.MultiWriter(buffer, echoWriter), noCleanup, nil
		}
		return buffer, noCleanup, nil
	case streams.RedirectionInherit:
		return inheritedFile, noCleanup, nil
	case streams.RedirectionNullDevice:
		return io.Discard, noCleanup, nil
	case streams.RedirectionFilePath:
		outputFile, openError := os.OpenFile(redirection.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if openError != nil {
			return nil, noCleanup, openError
		}
		return outputFile, func() { outputFile.Close() }, nil
	case streams.RedirectionHandle:
		if redirection.Handle == nil {
			return nil, noCleanup, streams.ErrRedirectionHandleMissing
		}
		return redirection.Handle, noCleanup, nil
	default:
		return buffer, noCleanup, nil
	}
}

// exportedEnvironmentList flattens the interpreter's environment for a spawn.
func exportedEnvironmentList(environ expand.Environ) []string {
	environmentList := make([]string, 0, 64)
	environ.Each(func(name string, variable expand.Variable) bool {
		if variable.Exported && variable.Kind == expand.String {
			environmentList = append(environmentList, name+environmentAssignmentSeparator+variable.String())
		}
		return true
	})
	return environmentList
}
