package streams

import (
	"os"

	"golang.org/x/sys/unix"
)

// PipePair couples the two ends of a single pipe.
type PipePair struct {
	ReadEnd  *os.File
	WriteEnd *os.File
}

// NewPipePair creates a pipe whose parent-side end is switched to
// non-blocking mode so it can participate in a readiness-multiplexed loop.
// parentReads selects which end stays in the parent process.
func NewPipePair(parentReads bool) (PipePair, error) {
	readEnd, writeEnd, pipeError := os.Pipe()
	if pipeError != nil {
		return PipePair{}, pipeError
	}

	parentEnd := writeEnd
	if parentReads {
		parentEnd = readEnd
	}
	if nonblockError := unix.SetNonblock(int(parentEnd.Fd()), true); nonblockError != nil {
		readEnd.Close()
		writeEnd.Close()
		return PipePair{}, nonblockError
	}

	return PipePair{ReadEnd: readEnd, WriteEnd: writeEnd}, nil
}

// Close releases both ends of the pair.
func (pair PipePair) Close() {
	if pair.ReadEnd != nil {
		pair.ReadEnd.Close()
	}
	if pair.WriteEnd != nil {
		pair.WriteEnd.Close()
	}
}

// StandardStreamSet holds the four pipes one spawn needs: the three standard
// streams plus the status pipe that carries exec-failure reports.
type StandardStreamSet struct {
	Stdin  PipePair
	Stdout PipePair
	Stderr PipePair
	Status PipePair
}

// NewStandardStreamSet allocates all four pipe pairs. The child reads from
// Stdin and writes to the remaining three.
func NewStandardStreamSet() (StandardStreamSet, error) {
	var streamSet StandardStreamSet
	var allocationError error

	if streamSet.Stdin, allocationError = NewPipePair(false); allocationError != nil {
		return StandardStreamSet{}, allocationError
	}
	if streamSet.Stdout, allocationError = NewPipePair(true); allocationError != nil {
		streamSet.CloseAll()
		return StandardStreamSet{}, allocationError
	}
	if streamSet.Stderr, allocationError = NewPipePair(true); allocationError != nil {
		streamSet.CloseAll()
		return StandardStreamSet{}, allocationError
	}
	if streamSet.Status, allocationError = NewPipePair(true); allocationError != nil {
		streamSet.CloseAll()
		return StandardStreamSet{}, allocationError
	}

	return streamSet, nil
}

// CloseChildEnds closes the ends that belong to the child once it has been
// spawned, leaving the parent holding only its own ends.
func (streamSet StandardStreamSet) CloseChildEnds() {
	closeFile(streamSet.Stdin.ReadEnd)
	closeFile(streamSet.Stdout.WriteEnd)
	closeFile(streamSet.Stderr.WriteEnd)
	closeFile(streamSet.Status.WriteEnd)
}

// CloseParentEnds closes the ends the parent holds.
func (streamSet StandardStreamSet) CloseParentEnds() {
	closeFile(streamSet.Stdin.WriteEnd)
	closeFile(streamSet.Stdout.ReadEnd)
	closeFile(streamSet.Stderr.ReadEnd)
	closeFile(streamSet.Status.ReadEnd)
}

// CloseAll closes every end that is still open.
func (streamSet StandardStreamSet) CloseAll() {
	streamSet.Stdin.Close()
	streamSet.Stdout.Close()
	streamSet.Stderr.Close()
	streamSet.Status.Close()
}

func closeFile(file *os.File) {
	if file != nil {
		file.Close()
	}
}
