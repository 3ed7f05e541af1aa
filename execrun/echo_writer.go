package execrun

import (
	"io"
	"sync"
)

// liveEchoWriter tees drained child output to a caller-visible destination
// as it arrives. Buffered destinations expose Flush and get flushed after
// every chunk so progress stays observable while the capture buffer is still
// filling; unbuffered ones, os.File included, are already visible per write
// and need no hook. The mutex serializes chunks when the runner strategy
// tees from more than one goroutine.
type liveEchoWriter struct {
	mutex       sync.Mutex
	destination io.Writer
	flush       func() error
}

// newLiveEchoWriter wraps destination, resolving its flush hook once. A nil
// destination disables echoing rather than erroring, because echo is a
// best-effort progress surface and never a capture channel.
func newLiveEchoWriter(destination io.Writer) io.Writer {
	if destination == nil {
		return nil
	}
	echoWriter := &liveEchoWriter{destination: destination}
	if flushableDestination, hasFlush := destination.(interface{ Flush() error }); hasFlush {
		echoWriter.flush = flushableDestination.Flush
	}
	return echoWriter
}

// Write forwards one drained chunk and flushes it through when possible.
func (echoWriter *liveEchoWriter) Write(outputChunk []byte) (int, error) {
	echoWriter.mutex.Lock()
	defer echoWriter.mutex.Unlock()

	bytesWritten, writeError := echoWriter.destination.Write(outputChunk)
	if writeError != nil {
		return bytesWritten, writeError
	}
	if echoWriter.flush != nil {
		if flushError := echoWriter.flush(); flushError != nil {
			return bytesWritten, flushError
		}
	}
	return bytesWritten, nil
}
