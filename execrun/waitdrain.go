package execrun

import (
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	drainReadBufferSizeConstant      = 32 * 1024
	unboundedPollTimeoutConstant     = -1
	coreDumpStatusBitConstant        = 0x80
	environmentAssignmentSeparator   = "="
	drainClosedEventsConstant        = unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
)

// drainTarget couples one parent-side read end with its capture buffer and
// optional live echo destination.
type drainTarget struct {
	file       *os.File
	buffer     []byte
	echoWriter io.Writer
	finished   bool
}

// feedTarget tracks the in-memory input still owed to the child's stdin
// through the non-blocking write end.
type feedTarget struct {
	file     *os.File
	pending  []byte
	finished bool
}

// feedStandardInput writes the in-memory input fully and closes the write
// end. It backs the async spawn path, where no drain loop sticks around; the
// supervised path folds the feed into drainProcessOutput instead.
func feedStandardInput(stdinWriteEnd *os.File, standardInput string) error {
	if stdinWriteEnd == nil {
		return nil
	}
	defer stdinWriteEnd.Close()
	if len(standardInput) == 0 {
		return nil
	}
	_, writeError := io.WriteString(stdinWriteEnd, standardInput)
	return writeError
}

// drainProcessOutput feeds the child's stdin and reads from whichever
// captured pipes have data until the child closes them, in a single
// readiness-multiplexed loop. Interleaving the stdin writes with the output
// reads keeps a child that echoes its input back from deadlocking against
// the pipe capacities. It reports timedOut when the deadline passes before
// both output pipes close; no further transfers are attempted after that.
func drainProcessOutput(stdinWriteEnd *os.File, standardInput string, stdoutReadEnd *os.File, stderrReadEnd *os.File, echoWriter io.Writer, deadline time.Time) (standardOutput []byte, standardError []byte, timedOut bool, drainError error) {
	stdinFeed := &feedTarget{file: stdinWriteEnd, pending: []byte(standardInput), finished: stdinWriteEnd == nil}
	if !stdinFeed.finished && len(stdinFeed.pending) == 0 {
		stdinFeed.closeFeed()
	}
	stdoutTarget := &drainTarget{file: stdoutReadEnd, echoWriter: echoWriter, finished: stdoutReadEnd == nil}
	stderrTarget := &drainTarget{file: stderrReadEnd, finished: stderrReadEnd == nil}
	readBuffer := make([]byte, drainReadBufferSizeConstant)

	for !stdinFeed.finished || !stdoutTarget.finished || !stderrTarget.finished {
		pollTimeout := unboundedPollTimeoutConstant
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return stdoutTarget.buffer, stderrTarget.buffer, true, nil
			}
			pollTimeout = int(remaining.Milliseconds()) + 1
		}

		pollDescriptors := make([]unix.PollFd, 0, 3)
		stdinDescriptorIndex := -1
		if !stdinFeed.finished {
			stdinDescriptorIndex = len(pollDescriptors)
			pollDescriptors = append(pollDescriptors, unix.PollFd{Fd: int32(stdinFeed.file.Fd()), Events: unix.POLLOUT})
		}
		pollTargets := make([]*drainTarget, len(pollDescriptors), 3)
		for _, target := range []*drainTarget{stdoutTarget, stderrTarget} {
			if target.finished {
				continue
			}
			pollDescriptors = append(pollDescriptors, unix.PollFd{Fd: int32(target.file.Fd()), Events: unix.POLLIN})
			pollTargets = append(pollTargets, target)
		}

		readyCount, pollError := unix.Poll(pollDescriptors, pollTimeout)
		if pollError != nil {
			if errors.Is(pollError, unix.EINTR) {
				continue
			}
			return stdoutTarget.buffer, stderrTarget.buffer, false, pollError
		}
		if readyCount == 0 {
			return stdoutTarget.buffer, stderrTarget.buffer, true, nil
		}

		for descriptorIndex, pollDescriptor := range pollDescriptors {
			if pollDescriptor.Revents == 0 {
				continue
			}
			if descriptorIndex == stdinDescriptorIndex {
				if pollDescriptor.Revents&unix.POLLOUT != 0 {
					if writeError := stdinFeed.writeAvailable(); writeError != nil {
						return stdoutTarget.buffer, stderrTarget.buffer, false, writeError
					}
					continue
				}
				if pollDescriptor.Revents&drainClosedEventsConstant != 0 {
					stdinFeed.closeFeed()
				}
				continue
			}
			target := pollTargets[descriptorIndex]
			if pollDescriptor.Revents&unix.POLLIN != 0 {
				if readError := target.readAvailable(readBuffer); readError != nil {
					return stdoutTarget.buffer, stderrTarget.buffer, false, readError
				}
				continue
			}
			if pollDescriptor.Revents&drainClosedEventsConstant != 0 {
				// Final drain catches bytes raced with the hangup.
				if readError := target.readAvailable(readBuffer); readError != nil {
					return stdoutTarget.buffer, stderrTarget.buffer, false, readError
				}
				target.finished = true
			}
		}
	}

	return stdoutTarget.buffer, stderrTarget.buffer, false, nil
}

// writeAvailable pushes as much pending input as the pipe accepts, closing
// the write end once the buffer empties so the child sees end-of-file. A
// child that closed its stdin early ends the feed without error.
func (feed *feedTarget) writeAvailable() error {
	for len(feed.pending) > 0 {
		bytesWritten, writeError := unix.Write(int(feed.file.Fd()), feed.pending)
		if bytesWritten > 0 {
			feed.pending = feed.pending[bytesWritten:]
		}
		if writeError != nil {
			if errors.Is(writeError, unix.EAGAIN) {
				return nil
			}
			if errors.Is(writeError, unix.EINTR) {
				continue
			}
			feed.closeFeed()
			if errors.Is(writeError, unix.EPIPE) {
				return nil
			}
			return writeError
		}
	}
	feed.closeFeed()
	return nil
}

func (feed *feedTarget) closeFeed() {
	if feed.finished {
		return
	}
	feed.finished = true
	if feed.file != nil {
		feed.file.Close()
	}
}

// readAvailable consumes everything the non-blocking descriptor currently
// holds, marking the target finished on end-of-file.
func (target *drainTarget) readAvailable(readBuffer []byte) error {
	for {
		bytesRead, readError := unix.Read(int(target.file.Fd()), readBuffer)
		if bytesRead > 0 {
			target.buffer = append(target.buffer, readBuffer[:bytesRead]...)
			if target.echoWriter != nil {
				if _, echoError := target.echoWriter.Write(readBuffer[:bytesRead]); echoError != nil {
					return echoError
				}
			}
		}
		if bytesRead == 0 && readError == nil {
			target.finished = true
			return nil
		}
		if readError != nil {
			if errors.Is(readError, unix.EAGAIN) {
				return nil
			}
			if errors.Is(readError, unix.EINTR) {
				continue
			}
			target.finished = true
			if errors.Is(readError, unix.EIO) {
				return nil
			}
			return readError
		}
	}
}

// reapWithDeadline collects the child's exit status, giving up once the
// deadline passes. The deadline matters when the child holds no captured
// pipes, or closes them and keeps running: draining then finishes early and
// the wait itself is what the timeout has to bound. A timed-out reap leaves
// a goroutine behind to collect the status whenever the child finally exits.
func reapWithDeadline(childProcess *os.Process, deadline time.Time) (*os.ProcessState, bool, error) {
	if deadline.IsZero() {
		processState, waitError := childProcess.Wait()
		return processState, false, waitError
	}

	type reapOutcome struct {
		state *os.ProcessState
		err   error
	}
	outcomeChannel := make(chan reapOutcome, 1)
	go func() {
		processState, waitError := childProcess.Wait()
		outcomeChannel <- reapOutcome{state: processState, err: waitError}
	}()

	reapTimer := time.NewTimer(time.Until(deadline))
	defer reapTimer.Stop()
	select {
	case outcome := <-outcomeChannel:
		return outcome.state, false, outcome.err
	case <-reapTimer.C:
		return nil, true, nil
	}
}

// decodeWaitStatus splits a raw wait status into the normalized exit code,
// terminating signal, and core-dump bit. known is false when the status
// corresponds to neither a normal exit nor a signal, in which case the
// caller substitutes UndefinedReturnValue.
func decodeWaitStatus(waitStatus unix.WaitStatus) (returnValue int, terminationSignal int, coreDumped bool, known bool) {
	if waitStatus.Exited() {
		return waitStatus.ExitStatus(), 0, false, true
	}
	if waitStatus.Signaled() {
		return 0, int(waitStatus.Signal()), waitStatus.CoreDump(), true
	}
	return UndefinedReturnValue, 0, false, false
}

// waitDeadline converts the spec timeout into an absolute deadline; the zero
// time means the wait is unbounded.
func waitDeadline(spec CommandSpec) time.Time {
	if !spec.timeoutConfigured() {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(spec.TimeoutSeconds) * time.Second)
}

// buildEnvironment merges the spec's variables over the parent environment.
func buildEnvironment(spec CommandSpec) []string {
	if len(spec.EnvironmentVariables) == 0 {
		return os.Environ()
	}
	mergedEnvironment := append([]string{}, os.Environ()...)
	for environmentKey, environmentValue := range spec.EnvironmentVariables {
		mergedEnvironment = append(mergedEnvironment, environmentKey+environmentAssignmentSeparator+environmentValue)
	}
	return mergedEnvironment
}
