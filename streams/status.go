package streams

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	statusMessageLengthLimitConstant       = 64 * 1024
	statusReadBufferSizeConstant           = 4096
	statusHeaderByteLengthConstant         = 8
	truncatedStatusMessageTemplateConstant = "exec status message truncated: have %d of %d bytes"
	truncatedStatusHeaderMessageConstant   = "exec status header truncated"
	oversizedStatusMessageTemplateConstant = "exec status message length %d exceeds limit"
	statusDecodeFailureTemplateConstant    = "exec status decode failed: %w"
	statusEncodeFailureTemplateConstant    = "exec status encode failed: %w"
	statusReportUnavailableMessageConstant = "exec status not reported"
	statusPipeReadFailureTemplateConstant  = "status pipe read failed: %w"
)

// ExecStatusReport carries the reason a child failed to exec, written to the
// status pipe because no other channel back to the parent exists once the
// exec has been attempted.
type ExecStatusReport struct {
	Errno   uint32
	Message string
}

// ErrNoExecStatus indicates the status pipe carried no report, meaning the
// exec succeeded.
var ErrNoExecStatus = errors.New(statusReportUnavailableMessageConstant)

// EncodeExecStatus frames a report onto the writer as
// errno:uint32, length:uint32, message:bytes (big-endian).
func EncodeExecStatus(writer io.Writer, report ExecStatusReport) error {
	messageBytes := []byte(report.Message)
	if len(messageBytes) > statusMessageLengthLimitConstant {
		messageBytes = messageBytes[:statusMessageLengthLimitConstant]
	}

	header := make([]byte, statusHeaderByteLengthConstant)
	binary.BigEndian.PutUint32(header[0:4], report.Errno)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(messageBytes)))

	if _, writeError := writer.Write(header); writeError != nil {
		return fmt.Errorf(statusEncodeFailureTemplateConstant, writeError)
	}
	if _, writeError := writer.Write(messageBytes); writeError != nil {
		return fmt.Errorf(statusEncodeFailureTemplateConstant, writeError)
	}
	return nil
}

// DecodeExecStatus parses one framed report out of raw. An empty buffer
// yields ErrNoExecStatus.
func DecodeExecStatus(raw []byte) (ExecStatusReport, error) {
	if len(raw) == 0 {
		return ExecStatusReport{}, ErrNoExecStatus
	}
	if len(raw) < statusHeaderByteLengthConstant {
		return ExecStatusReport{}, fmt.Errorf(statusDecodeFailureTemplateConstant, errors.New(truncatedStatusHeaderMessageConstant))
	}

	errnoValue := binary.BigEndian.Uint32(raw[0:4])
	messageLength := binary.BigEndian.Uint32(raw[4:8])
	if messageLength > statusMessageLengthLimitConstant {
		return ExecStatusReport{}, fmt.Errorf(statusDecodeFailureTemplateConstant, fmt.Errorf(oversizedStatusMessageTemplateConstant, messageLength))
	}

	messageBytes := raw[statusHeaderByteLengthConstant:]
	if uint32(len(messageBytes)) < messageLength {
		return ExecStatusReport{}, fmt.Errorf(statusDecodeFailureTemplateConstant, fmt.Errorf(truncatedStatusMessageTemplateConstant, len(messageBytes), messageLength))
	}

	return ExecStatusReport{
		Errno:   errnoValue,
		Message: string(messageBytes[:messageLength]),
	}, nil
}

// ReadExecStatus drains whatever the status pipe currently holds and decodes
// it. The read end must already be at end-of-file or non-blocking; a child
// that execed successfully leaves the pipe empty and closed, which decodes
// to ErrNoExecStatus.
func ReadExecStatus(statusReadEnd *os.File) (ExecStatusReport, error) {
	var collected []byte
	buffer := make([]byte, statusReadBufferSizeConstant)
	for {
		bytesRead, readError := statusReadEnd.Read(buffer)
		if bytesRead > 0 {
			collected = append(collected, buffer[:bytesRead]...)
		}
		if readError != nil {
			if errors.Is(readError, io.EOF) || errors.Is(readError, os.ErrDeadlineExceeded) {
				break
			}
			if isTemporaryReadError(readError) {
				break
			}
			return ExecStatusReport{}, fmt.Errorf(statusPipeReadFailureTemplateConstant, readError)
		}
		if bytesRead == 0 {
			break
		}
	}
	return DecodeExecStatus(collected)
}

// isTemporaryReadError recognizes the EAGAIN a non-blocking pipe returns
// when the child has written nothing yet.
func isTemporaryReadError(readError error) bool {
	var pathError *os.PathError
	if errors.As(readError, &pathError) {
		return pathError.Timeout()
	}
	return false
}
