package pidfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	pidfileNameTemplateConstant         = "procrun-%s.pid"
	pidfileCreationModeConstant         = 0o600
	pidLineTemplateConstant             = "%d\n"
	pidfileCreateFailureTemplate        = "pidfile creation failed: %w"
	pidfileWriteFailureTemplate         = "pidfile write failed: %w"
	pidfileLockFailureTemplate          = "pidfile lock failed: %w"
	pidfileParseFailureTemplate         = "pidfile %s holds malformed pid %q"
	rendezvousTimeoutMessageTemplate    = "pid was not published to %s within %s"
	defaultPollIntervalConstant         = 100 * time.Millisecond
	defaultRendezvousTimeoutConstant    = 5 * time.Second
	minimumPublishedProcessIDConstant   = 1
)

// RendezvousTimeoutError reports a pidfile that was never populated, meaning
// the publishing side crashed before it could write its pid.
type RendezvousTimeoutError struct {
	Path    string
	Waited  time.Duration
}

// Error describes the rendezvous failure.
func (timeoutError RendezvousTimeoutError) Error() string {
	return fmt.Sprintf(rendezvousTimeoutMessageTemplate, timeoutError.Path, timeoutError.Waited)
}

// Pidfile names one rendezvous file.
type Pidfile struct {
	path string
}

// New creates an empty, uniquely named pidfile inside runDirectory.
func New(runDirectory string) (Pidfile, error) {
	path := filepath.Join(runDirectory, fmt.Sprintf(pidfileNameTemplateConstant, uuid.NewString()))
	handle, createError := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, pidfileCreationModeConstant)
	if createError != nil {
		return Pidfile{}, fmt.Errorf(pidfileCreateFailureTemplate, createError)
	}
	handle.Close()
	return Pidfile{path: path}, nil
}

// AtPath wraps an existing pidfile path, used by the publishing side which
// receives the location from its parent.
func AtPath(path string) Pidfile {
	return Pidfile{path: path}
}

// Path reports the file location.
func (file Pidfile) Path() string {
	return file.path
}

// WritePid publishes the pid as the file's single line under an exclusive
// lock. It is called exactly once per rendezvous.
func (file Pidfile) WritePid(processID int) error {
	handle, openError := os.OpenFile(file.path, os.O_CREATE|os.O_WRONLY, pidfileCreationModeConstant)
	if openError != nil {
		return fmt.Errorf(pidfileWriteFailureTemplate, openError)
	}
	defer handle.Close()

	if lockError := unix.Flock(int(handle.Fd()), unix.LOCK_EX); lockError != nil {
		return fmt.Errorf(pidfileLockFailureTemplate, lockError)
	}
	defer unix.Flock(int(handle.Fd()), unix.LOCK_UN)

	if truncateError := handle.Truncate(0); truncateError != nil {
		return fmt.Errorf(pidfileWriteFailureTemplate, truncateError)
	}
	if _, writeError := fmt.Fprintf(handle, pidLineTemplateConstant, processID); writeError != nil {
		return fmt.Errorf(pidfileWriteFailureTemplate, writeError)
	}
	return handle.Sync()
}

// AwaitPid polls the file until the publisher's line appears, then deletes
// the file and returns the pid. A file still empty once maxWait elapses is a
// hard error: the publishing side died before the rendezvous.
func (file Pidfile) AwaitPid(ctx context.Context, pollInterval time.Duration, maxWait time.Duration) (int, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollIntervalConstant
	}
	if maxWait <= 0 {
		maxWait = defaultRendezvousTimeoutConstant
	}

	deadline := time.Now().Add(maxWait)
	for {
		processID, readError := file.readPid()
		if readError != nil {
			return 0, readError
		}
		if processID >= minimumPublishedProcessIDConstant {
			file.Remove()
			return processID, nil
		}

		if time.Now().After(deadline) {
			return 0, RendezvousTimeoutError{Path: file.path, Waited: maxWait}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Remove deletes the file; whichever side still owns it last calls this.
func (file Pidfile) Remove() error {
	return os.Remove(file.path)
}

// readPid returns 0 without error while the file exists but is still empty.
func (file Pidfile) readPid() (int, error) {
	handle, openError := os.Open(file.path)
	if openError != nil {
		if os.IsNotExist(openError) {
			return 0, nil
		}
		return 0, fmt.Errorf(pidfileWriteFailureTemplate, openError)
	}
	defer handle.Close()

	if lockError := unix.Flock(int(handle.Fd()), unix.LOCK_SH); lockError != nil {
		return 0, fmt.Errorf(pidfileLockFailureTemplate, lockError)
	}
	defer unix.Flock(int(handle.Fd()), unix.LOCK_UN)

	contents, readError := os.ReadFile(file.path)
	if readError != nil {
		return 0, fmt.Errorf(pidfileWriteFailureTemplate, readError)
	}
	trimmed := strings.TrimSpace(string(contents))
	if len(trimmed) == 0 {
		return 0, nil
	}

	processID, parseError := strconv.Atoi(trimmed)
	if parseError != nil {
		return 0, fmt.Errorf(pidfileParseFailureTemplate, file.path, trimmed)
	}
	return processID, nil
}
