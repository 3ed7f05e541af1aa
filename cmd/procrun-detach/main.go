// Command procrun-detach is the intermediate between a supervising process
// and a fully detached child. The supervisor starts it in a new session with
// a status pipe on descriptor 3; it spawns the target, publishes the target's
// pid into the pidfile, and exits immediately so the target reparents to
// init. A failed spawn is reported back through the status pipe instead.
//
// Usage:
//
//	procrun-detach <pidfile> <workdir|-> <stdout|-> <stderr|-> <command> [args...]
//
// A "-" placeholder selects the null device for an output target and the
// current directory for the working directory.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/temirov/procrun/pidfile"
	"github.com/temirov/procrun/streams"
)

const (
	minimumArgumentCountConstant   = 6
	statusDescriptorNumberConstant = 3
	statusDescriptorNameConstant   = "status-pipe"
	nullTargetPlaceholderConstant  = "-"
	usageMessageConstant           = "usage: procrun-detach <pidfile> <workdir|-> <stdout|-> <stderr|-> <command> [args...]"
	usageExitCodeConstant          = 2
	spawnFailureExitCodeConstant   = 1
	outputTargetFileModeConstant   = 0o644
)

func main() {
	if len(os.Args) < minimumArgumentCountConstant {
		fmt.Fprintln(os.Stderr, usageMessageConstant)
		os.Exit(usageExitCodeConstant)
	}

	pidfilePath := os.Args[1]
	workingDirectory := directoryOrCurrent(os.Args[2])
	stdoutTarget := os.Args[3]
	stderrTarget := os.Args[4]
	targetArguments := os.Args[5:]

	statusPipe := os.NewFile(statusDescriptorNumberConstant, statusDescriptorNameConstant)

	executablePath, lookupError := exec.LookPath(targetArguments[0])
	if lookupError != nil {
		reportSpawnFailure(statusPipe, lookupError)
		os.Exit(spawnFailureExitCodeConstant)
	}

	stdinFile, stdinError := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if stdinError != nil {
		reportSpawnFailure(statusPipe, stdinError)
		os.Exit(spawnFailureExitCodeConstant)
	}
	stdoutFile, stdoutError := openOutputTarget(stdoutTarget)
	if stdoutError != nil {
		reportSpawnFailure(statusPipe, stdoutError)
		os.Exit(spawnFailureExitCodeConstant)
	}
	stderrFile, stderrError := openOutputTarget(stderrTarget)
	if stderrError != nil {
		reportSpawnFailure(statusPipe, stderrError)
		os.Exit(spawnFailureExitCodeConstant)
	}

	processAttributes := &os.ProcAttr{
		Dir:   workingDirectory,
		Env:   os.Environ(),
		Files: []*os.File{stdinFile, stdoutFile, stderrFile},
	}

	targetProcess, startError := os.StartProcess(executablePath, targetArguments, processAttributes)
	if startError != nil {
		reportSpawnFailure(statusPipe, startError)
		os.Exit(spawnFailureExitCodeConstant)
	}

	if publishError := pidfile.AtPath(pidfilePath).WritePid(targetProcess.Pid); publishError != nil {
		reportSpawnFailure(statusPipe, publishError)
		os.Exit(spawnFailureExitCodeConstant)
	}

	// Exiting without waiting hands the target to init for reaping, which
	// is the whole point of the intermediate.
	targetProcess.Release()
	statusPipe.Close()
}

func directoryOrCurrent(argument string) string {
	if argument == nullTargetPlaceholderConstant {
		return ""
	}
	return argument
}

func openOutputTarget(target string) (*os.File, error) {
	if target == nullTargetPlaceholderConstant {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	return os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, outputTargetFileModeConstant)
}

func reportSpawnFailure(statusPipe *os.File, failure error) {
	report := streams.ExecStatusReport{
		Errno:   errnoFromFailure(failure),
		Message: failure.Error(),
	}
	streams.EncodeExecStatus(statusPipe, report)
	statusPipe.Close()
}

func errnoFromFailure(failure error) uint32 {
	var unixErrno unix.Errno
	if errors.As(failure, &unixErrno) {
		return uint32(unixErrno)
	}
	return uint32(unix.ENOENT)
}
