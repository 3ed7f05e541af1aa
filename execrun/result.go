package execrun

import "strings"

const (
	// UndefinedReturnValue is the sentinel return value for a process whose
	// wait status did not decode to a normal exit. It never appears without
	// an accompanying UnknownExitStatusError.
	UndefinedReturnValue = -1

	startedMarkerWordConstant       = "started"
	finishedMarkerWordConstant      = "finished"
	markerWordSuffixSeparatorConstant = " "
	programNamePrefixSeparatorConstant = ": "
	capturedLineSeparatorConstant   = "\n"
)

// ExecutionResult is the immutable record describing the outcome of one
// command execution, produced exactly once per call.
type ExecutionResult struct {
	// ReturnValue is the normalized exit code. For async and detached
	// executions it only reflects that the spawn succeeded.
	ReturnValue int
	// TerminationSignal is the signal number that terminated the process,
	// zero when the process exited normally.
	TerminationSignal int
	// CoreDumped reports whether the termination produced a core dump.
	CoreDumped bool
	// RawWaitStatus preserves the undecoded wait status for diagnostics; it
	// is what UnknownExitStatusError reports when ReturnValue is
	// UndefinedReturnValue.
	RawWaitStatus int
	// StandardOutput and StandardError hold the raw captured bytes decoded
	// as text; empty when the corresponding stream was not captured.
	StandardOutput string
	StandardError  string
	// FilteredOutput is StandardOutput with runtime bookkeeping lines
	// stripped and leading program-name prefixes removed.
	FilteredOutput string
	// ProcessID is the real child pid, populated for async and detached
	// executions so callers can wait on or signal it later.
	ProcessID int
	// Session is populated only by the external-runner strategy and lets a
	// caller wait on the pipeline later.
	Session *ExternalSession
}

// FilterCapturedOutput strips the runtime's own started/finished marker
// lines and removes a leading "programName: " prefix from every remaining
// line, yielding the value most callers display.
func FilterCapturedOutput(capturedOutput string, programName string) string {
	if len(capturedOutput) == 0 {
		return capturedOutput
	}

	trailingNewline := strings.HasSuffix(capturedOutput, capturedLineSeparatorConstant)
	capturedLines := strings.Split(strings.TrimSuffix(capturedOutput, capturedLineSeparatorConstant), capturedLineSeparatorConstant)

	filteredLines := make([]string, 0, len(capturedLines))
	for _, capturedLine := range capturedLines {
		strippedLine := capturedLine
		if len(programName) > 0 {
			strippedLine = strings.TrimPrefix(strippedLine, programName+programNamePrefixSeparatorConstant)
		}
		if isBookkeepingMarkerLine(strippedLine) {
			continue
		}
		filteredLines = append(filteredLines, strippedLine)
	}

	filteredOutput := strings.Join(filteredLines, capturedLineSeparatorConstant)
	if trailingNewline && len(filteredOutput) > 0 {
		filteredOutput += capturedLineSeparatorConstant
	}
	return filteredOutput
}

func isBookkeepingMarkerLine(line string) bool {
	return line == startedMarkerWordConstant ||
		line == finishedMarkerWordConstant ||
		strings.HasPrefix(line, startedMarkerWordConstant+markerWordSuffixSeparatorConstant) ||
		strings.HasPrefix(line, finishedMarkerWordConstant+markerWordSuffixSeparatorConstant)
}
