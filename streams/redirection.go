package streams

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

const (
	inheritedDescriptorNameTemplateConstant = "fd/%d"
	outputFileCreationModeConstant          = 0o644
)

// RedirectionMode enumerates the supported targets for one standard stream.
// The zero value captures the stream through a pipe, which is the default
// for stdout and stderr.
type RedirectionMode int

const (
	// RedirectionCapture routes the stream through a pipe read by the parent.
	RedirectionCapture RedirectionMode = iota
	// RedirectionInherit leaves the stream attached to the parent's descriptor.
	RedirectionInherit
	// RedirectionNullDevice routes the stream to the null device.
	RedirectionNullDevice
	// RedirectionFilePath routes the stream to or from a named file.
	RedirectionFilePath
	// RedirectionHandle routes the stream to an already-open file handle.
	RedirectionHandle
)

// RedirectionSpec describes where one of the child's standard streams goes.
type RedirectionSpec struct {
	Mode   RedirectionMode
	Path   string
	Handle *os.File
}

// ErrRedirectionHandleMissing reports a handle redirection without a handle.
var ErrRedirectionHandleMissing = errors.New("redirection handle not provided")

// ChildDescriptorTable is the descriptor layout handed to the spawn call.
// Files occupy their slice index in the child; opened tracks files this
// table opened itself so the parent can release them after the spawn.
type ChildDescriptorTable struct {
	Files  []*os.File
	opened []*os.File
}

// CloseOpened closes every file the table opened on the parent's behalf.
func (table ChildDescriptorTable) CloseOpened() {
	for _, openedFile := range table.opened {
		if openedFile != nil {
			openedFile.Close()
		}
	}
}

// BuildChildDescriptorTable compiles the three redirection specs into the
// descriptor table for a spawn. Capture modes resolve to the child-side pipe
// ends of streamSet. keepDescriptors lists additional parent descriptors the
// child keeps open at the same numbers; each is duplicated into the table so
// the caller retains sole ownership of its own descriptor. Every other
// descriptor beyond the table is closed across the exec.
func BuildChildDescriptorTable(stdinSpec RedirectionSpec, stdoutSpec RedirectionSpec, stderrSpec RedirectionSpec, streamSet StandardStreamSet, keepDescriptors []int) (ChildDescriptorTable, error) {
	var table ChildDescriptorTable

	stdinFile, stdinError := table.resolveStream(stdinSpec, streamSet.Stdin.ReadEnd, os.Stdin, true)
	if stdinError != nil {
		table.CloseOpened()
		return ChildDescriptorTable{}, stdinError
	}
	stdoutFile, stdoutError := table.resolveStream(stdoutSpec, streamSet.Stdout.WriteEnd, os.Stdout, false)
	if stdoutError != nil {
		table.CloseOpened()
		return ChildDescriptorTable{}, stdoutError
	}
	stderrFile, stderrError := table.resolveStream(stderrSpec, streamSet.Stderr.WriteEnd, os.Stderr, false)
	if stderrError != nil {
		table.CloseOpened()
		return ChildDescriptorTable{}, stderrError
	}

	table.Files = []*os.File{stdinFile, stdoutFile, stderrFile}

	if len(keepDescriptors) > 0 {
		sortedDescriptors := append([]int{}, keepDescriptors...)
		sort.Ints(sortedDescriptors)
		highestDescriptor := sortedDescriptors[len(sortedDescriptors)-1]
		for len(table.Files) <= highestDescriptor {
			table.Files = append(table.Files, nil)
		}
		for _, descriptor := range sortedDescriptors {
			if descriptor < 3 || table.Files[descriptor] != nil {
				continue
			}
			duplicatedDescriptor, duplicateError := unix.Dup(descriptor)
			if duplicateError != nil {
				table.CloseOpened()
				return ChildDescriptorTable{}, duplicateError
			}
			duplicateFile := os.NewFile(uintptr(duplicatedDescriptor), fmt.Sprintf(inheritedDescriptorNameTemplateConstant, descriptor))
			table.Files[descriptor] = duplicateFile
			table.opened = append(table.opened, duplicateFile)
		}
	}

	return table, nil
}

func (table *ChildDescriptorTable) resolveStream(spec RedirectionSpec, captureEnd *os.File, inheritedFile *os.File, isInput bool) (*os.File, error) {
	switch spec.Mode {
	case RedirectionCapture:
		return captureEnd, nil
	case RedirectionInherit:
		return inheritedFile, nil
	case RedirectionNullDevice:
		return table.openStreamFile(os.DevNull, isInput)
	case RedirectionFilePath:
		return table.openStreamFile(spec.Path, isInput)
	case RedirectionHandle:
		if spec.Handle == nil {
			return nil, ErrRedirectionHandleMissing
		}
		return spec.Handle, nil
	default:
		return captureEnd, nil
	}
}

func (table *ChildDescriptorTable) openStreamFile(path string, isInput bool) (*os.File, error) {
	var streamFile *os.File
	var openError error
	if isInput {
		streamFile, openError = os.Open(path)
	} else {
		streamFile, openError = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, outputFileCreationModeConstant)
	}
	if openError != nil {
		return nil, openError
	}
	table.opened = append(table.opened, streamFile)
	return streamFile, nil
}
