package streams_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temirov/procrun/streams"
)

func TestExecStatusCodecRoundTrip(testInstance *testing.T) {
	testCases := []struct {
		name   string
		report streams.ExecStatusReport
	}{
		{name: "errno_with_message", report: streams.ExecStatusReport{Errno: 2, Message: "no such file or directory"}},
		{name: "errno_without_message", report: streams.ExecStatusReport{Errno: 13}},
		{name: "large_errno", report: streams.ExecStatusReport{Errno: 4294967295, Message: "x"}},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			var encodedBuffer bytes.Buffer
			require.NoError(testInstance, streams.EncodeExecStatus(&encodedBuffer, testCase.report))

			decodedReport, decodeError := streams.DecodeExecStatus(encodedBuffer.Bytes())
			require.NoError(testInstance, decodeError)
			assert.Equal(testInstance, testCase.report, decodedReport)
		})
	}
}

func TestDecodeExecStatusRejectsMalformedFrames(testInstance *testing.T) {
	testCases := []struct {
		name          string
		raw           []byte
		expectNoError bool
	}{
		{name: "empty_buffer_means_no_report", raw: nil, expectNoError: true},
		{name: "truncated_header", raw: []byte{0, 0, 0}},
		{name: "truncated_message", raw: []byte{0, 0, 0, 2, 0, 0, 0, 9, 'a', 'b'}},
		{name: "oversized_length", raw: []byte{0, 0, 0, 2, 0xFF, 0xFF, 0xFF, 0xFF}},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			_, decodeError := streams.DecodeExecStatus(testCase.raw)
			require.Error(testInstance, decodeError)
			if testCase.expectNoError {
				assert.ErrorIs(testInstance, decodeError, streams.ErrNoExecStatus)
			} else {
				assert.NotErrorIs(testInstance, decodeError, streams.ErrNoExecStatus)
			}
		})
	}
}

func TestEncodeExecStatusTruncatesOversizedMessages(testInstance *testing.T) {
	var encodedBuffer bytes.Buffer
	oversizedMessage := strings.Repeat("m", 70*1024)
	require.NoError(testInstance, streams.EncodeExecStatus(&encodedBuffer, streams.ExecStatusReport{Errno: 1, Message: oversizedMessage}))

	decodedReport, decodeError := streams.DecodeExecStatus(encodedBuffer.Bytes())
	require.NoError(testInstance, decodeError)
	assert.Len(testInstance, decodedReport.Message, 64*1024)
}

func TestReadExecStatusThroughPipe(testInstance *testing.T) {
	testInstance.Run("written_report_is_decoded", func(testInstance *testing.T) {
		pipePair, pipeError := streams.NewPipePair(true)
		require.NoError(testInstance, pipeError)

		expectedReport := streams.ExecStatusReport{Errno: 8, Message: "exec format error"}
		require.NoError(testInstance, streams.EncodeExecStatus(pipePair.WriteEnd, expectedReport))
		require.NoError(testInstance, pipePair.WriteEnd.Close())

		decodedReport, readError := streams.ReadExecStatus(pipePair.ReadEnd)
		require.NoError(testInstance, readError)
		assert.Equal(testInstance, expectedReport, decodedReport)
		require.NoError(testInstance, pipePair.ReadEnd.Close())
	})

	testInstance.Run("closed_empty_pipe_means_exec_succeeded", func(testInstance *testing.T) {
		pipePair, pipeError := streams.NewPipePair(true)
		require.NoError(testInstance, pipeError)
		require.NoError(testInstance, pipePair.WriteEnd.Close())

		_, readError := streams.ReadExecStatus(pipePair.ReadEnd)
		assert.ErrorIs(testInstance, readError, streams.ErrNoExecStatus)
		require.NoError(testInstance, pipePair.ReadEnd.Close())
	})
}
