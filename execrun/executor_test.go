package execrun_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/temirov/procrun/execrun"
	"github.com/temirov/procrun/rundir"
	"github.com/temirov/procrun/streams"
)

type recordingEventObserver struct {
	startedStrategies []execrun.ExecutionStrategy
	completedResults  []execrun.ExecutionResult
	failures          []error
}

func (observer *recordingEventObserver) CommandStarted(_ execrun.CommandSpec, strategy execrun.ExecutionStrategy) {
	observer.startedStrategies = append(observer.startedStrategies, strategy)
}

func (observer *recordingEventObserver) CommandCompleted(_ execrun.CommandSpec, result execrun.ExecutionResult) {
	observer.completedResults = append(observer.completedResults, result)
}

func (observer *recordingEventObserver) CommandExecutionFailed(_ execrun.CommandSpec, failure error) {
	observer.failures = append(observer.failures, failure)
}

func newTestSettings(testInstance *testing.T) rundir.Settings {
	return rundir.Settings{
		RunDirectory:     testInstance.TempDir(),
		TempDirectory:    testInstance.TempDir(),
		ShellPath:        "/bin/sh",
		DetachHelperPath: "procrun-detach",
		PidPollInterval:  10 * time.Millisecond,
		PidWaitTimeout:   3 * time.Second,
	}
}

func newTestExecutor(testInstance *testing.T, options ...execrun.ExecutorOption) *execrun.CommandExecutor {
	commandExecutor, constructionError := execrun.NewCommandExecutor(zaptest.NewLogger(testInstance), newTestSettings(testInstance), options...)
	require.NoError(testInstance, constructionError)
	return commandExecutor
}

func killLeftoverProcess(processID int) {
	if processID > 0 {
		unix.Kill(processID, unix.SIGKILL)
	}
}

func TestNewCommandExecutorValidation(testInstance *testing.T) {
	testInstance.Run("nil_logger_is_rejected", func(testInstance *testing.T) {
		_, constructionError := execrun.NewCommandExecutor(nil, newTestSettings(testInstance))
		assert.ErrorIs(testInstance, constructionError, execrun.ErrLoggerNotConfigured)
	})

	testInstance.Run("empty_settings_are_rejected", func(testInstance *testing.T) {
		_, constructionError := execrun.NewCommandExecutor(zaptest.NewLogger(testInstance), rundir.Settings{})
		assert.ErrorIs(testInstance, constructionError, execrun.ErrSettingsNotConfigured)
	})
}

func TestExecuteForkExecCapturesOutput(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments: []string{"echo", "hello world"},
	})
	require.NoError(testInstance, executionError)
	assert.Equal(testInstance, 0, result.ReturnValue)
	assert.Equal(testInstance, "hello world\n", result.StandardOutput)
	assert.Empty(testInstance, result.StandardError)
}

func TestExecuteFeedsStandardInput(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments:     []string{"cat"},
		StandardInput: "test",
	})
	require.NoError(testInstance, executionError)
	assert.Equal(testInstance, "test", result.StandardOutput)
}

func TestExecuteHonorsExpectedReturnCeiling(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	testInstance.Run("exit_code_at_ceiling_succeeds", func(testInstance *testing.T) {
		result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Arguments:             []string{"/bin/sh", "-c", "exit 2"},
			ExpectedReturnCeiling: 2,
		})
		require.NoError(testInstance, executionError)
		assert.Equal(testInstance, 2, result.ReturnValue)
	})

	testInstance.Run("exit_code_above_ceiling_fails_with_stderr", func(testInstance *testing.T) {
		result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Arguments: []string{"/bin/sh", "-c", "echo oops >&2; exit 3"},
		})
		require.Error(testInstance, executionError)

		var exitError execrun.ExitCodeError
		require.ErrorAs(testInstance, executionError, &exitError)
		assert.Equal(testInstance, 3, exitError.ExitCode)
		assert.Equal(testInstance, "oops\n", exitError.StandardError)
		assert.Equal(testInstance, 3, result.ReturnValue)
	})
}

func TestExecuteReportsExecFailure(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	_, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments: []string{"procrun-test-binary-that-does-not-exist"},
	})
	require.Error(testInstance, executionError)

	var execFailure execrun.ExecFailedError
	require.ErrorAs(testInstance, executionError, &execFailure)
	assert.NotZero(testInstance, execFailure.Errno)
}

func TestExecuteTimeoutLeavesChildRunning(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	executionStart := time.Now()
	_, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments:      []string{"sleep", "30"},
		TimeoutSeconds: 1,
	})
	require.Error(testInstance, executionError)
	assert.Less(testInstance, time.Since(executionStart), 5*time.Second)

	var timeoutError execrun.TimeoutError
	require.ErrorAs(testInstance, executionError, &timeoutError)
	require.Positive(testInstance, timeoutError.ProcessID)
	defer killLeftoverProcess(timeoutError.ProcessID)

	// The child was not killed on timeout.
	assert.NoError(testInstance, unix.Kill(timeoutError.ProcessID, 0))
}

func TestExecuteTimeoutAppliesWithoutCapturedStreams(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	executionStart := time.Now()
	_, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments:      []string{"sleep", "30"},
		Stdout:         streams.RedirectionSpec{Mode: streams.RedirectionNullDevice},
		Stderr:         streams.RedirectionSpec{Mode: streams.RedirectionNullDevice},
		TimeoutSeconds: 1,
	})
	require.Error(testInstance, executionError)
	assert.Less(testInstance, time.Since(executionStart), 3*time.Second)

	var timeoutError execrun.TimeoutError
	require.ErrorAs(testInstance, executionError, &timeoutError)
	require.Positive(testInstance, timeoutError.ProcessID)
	defer killLeftoverProcess(timeoutError.ProcessID)

	assert.NoError(testInstance, unix.Kill(timeoutError.ProcessID, 0))
}

func TestExecuteRoundTripsInputLargerThanPipeCapacity(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)
	largeInput := strings.Repeat("0123456789abcdef", 16*1024)

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments:     []string{"cat"},
		StandardInput: largeInput,
	})
	require.NoError(testInstance, executionError)
	require.Len(testInstance, result.StandardOutput, len(largeInput))
	assert.Equal(testInstance, largeInput, result.StandardOutput)
}

func TestExecuteAsyncReturnsRealPid(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	executionStart := time.Now()
	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments: []string{"sleep", "10"},
		Async:     true,
	})
	require.NoError(testInstance, executionError)
	assert.Less(testInstance, time.Since(executionStart), 2*time.Second)
	require.Positive(testInstance, result.ProcessID)
	defer killLeftoverProcess(result.ProcessID)

	assert.NoError(testInstance, unix.Kill(result.ProcessID, 0))
}

func TestExecuteShellRunsPipelines(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		CommandLine: "printf 'a\\nb\\n' | wc -l",
	})
	require.NoError(testInstance, executionError)
	assert.Equal(testInstance, "2", strings.TrimSpace(result.StandardOutput))
}

func TestExecutePipedExecRunsBareWordStrings(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		CommandLine: "echo plain words",
	})
	require.NoError(testInstance, executionError)
	assert.Equal(testInstance, "plain words\n", result.StandardOutput)
}

func TestExecuteAsyncShellPublishesBackgroundedPid(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		CommandLine: "sleep 10",
		Async:       true,
	})
	require.NoError(testInstance, executionError)
	require.Positive(testInstance, result.ProcessID)
	defer killLeftoverProcess(result.ProcessID)

	assert.NoError(testInstance, unix.Kill(result.ProcessID, 0))
}

func TestExecuteDetachViaShellFallback(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance, execrun.WithPlatformCapability(execrun.PlatformCapability{
		NativeSpawnSupported:    true,
		ExternalRunnerAvailable: true,
		DetachHelperAvailable:   false,
	}))

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments: []string{"sleep", "10"},
		Detach:    true,
	})
	require.NoError(testInstance, executionError)
	require.Positive(testInstance, result.ProcessID)
	defer killLeftoverProcess(result.ProcessID)

	assert.NoError(testInstance, unix.Kill(result.ProcessID, 0))
}

func TestExecuteExternalRunner(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	testInstance.Run("forced_runner_captures_output", func(testInstance *testing.T) {
		result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Arguments:           []string{"echo", "runner", "payload"},
			ForceExternalRunner: true,
		})
		require.NoError(testInstance, executionError)
		assert.Equal(testInstance, "runner payload\n", result.StandardOutput)
	})

	testInstance.Run("pipeline_arguments_route_to_runner", func(testInstance *testing.T) {
		result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Arguments: []string{"echo", "hi", "|", "wc", "-c"},
		})
		require.NoError(testInstance, executionError)
		assert.Equal(testInstance, "3", strings.TrimSpace(result.StandardOutput))
	})

	testInstance.Run("runner_propagates_exit_codes", func(testInstance *testing.T) {
		result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Arguments:             []string{"true", "|", "false"},
			ExpectedReturnCeiling: 1,
		})
		require.NoError(testInstance, executionError)
		assert.Equal(testInstance, 1, result.ReturnValue)
	})

	testInstance.Run("async_runner_exposes_a_session", func(testInstance *testing.T) {
		result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Arguments:           []string{"sleep", "0.2"},
			ForceExternalRunner: true,
			Async:               true,
		})
		require.NoError(testInstance, executionError)
		require.NotNil(testInstance, result.Session)

		// The async return already carries the first stage's pid.
		require.Positive(testInstance, result.ProcessID)
		assert.Equal(testInstance, result.ProcessID, result.Session.ProcessID())

		waitContext, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelWait()
		finalResult, waitError := result.Session.Wait(waitContext)
		require.NoError(testInstance, waitError)
		assert.Equal(testInstance, 0, finalResult.ReturnValue)
	})

	testInstance.Run("async_builtin_only_command_reports_no_pid", func(testInstance *testing.T) {
		result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Arguments:           []string{"true"},
			ForceExternalRunner: true,
			Async:               true,
		})
		require.NoError(testInstance, executionError)
		require.NotNil(testInstance, result.Session)
		assert.Zero(testInstance, result.ProcessID)

		waitContext, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelWait()
		finalResult, waitError := result.Session.Wait(waitContext)
		require.NoError(testInstance, waitError)
		assert.Equal(testInstance, 0, finalResult.ReturnValue)
	})
}

func TestExecuteEchoesWhileCapturing(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	var echoBuffer bytes.Buffer
	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments:  []string{"echo", "echoed"},
		EchoOutput: true,
		EchoWriter: &echoBuffer,
	})
	require.NoError(testInstance, executionError)
	assert.Equal(testInstance, "echoed\n", result.StandardOutput)
	assert.Equal(testInstance, "echoed\n", echoBuffer.String())
}

func TestExecuteRedirectsStdoutToFile(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)
	outputPath := filepath.Join(testInstance.TempDir(), "captured.txt")

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments: []string{"echo", "to file"},
		Stdout:    streams.RedirectionSpec{Mode: streams.RedirectionFilePath, Path: outputPath},
	})
	require.NoError(testInstance, executionError)
	assert.Empty(testInstance, result.StandardOutput)

	fileContents, readError := os.ReadFile(outputPath)
	require.NoError(testInstance, readError)
	assert.Equal(testInstance, "to file\n", string(fileContents))
}

func TestExecuteMergesEnvironmentVariables(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments:            []string{"/bin/sh", "-c", "echo $PROCRUN_INJECTED_VALUE"},
		EnvironmentVariables: map[string]string{"PROCRUN_INJECTED_VALUE": "present"},
	})
	require.NoError(testInstance, executionError)
	assert.Equal(testInstance, "present\n", result.StandardOutput)
}

func TestExecuteFiltersProgramOutput(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments:   []string{"/bin/sh", "-c", "echo 'tool: started'; echo 'tool: payload'"},
		ProgramName: "tool",
	})
	require.NoError(testInstance, executionError)
	assert.Equal(testInstance, "payload\n", result.FilteredOutput)
}

func TestExecuteRunsCallbacks(testInstance *testing.T) {
	commandExecutor := newTestExecutor(testInstance)

	testInstance.Run("zero_return_succeeds", func(testInstance *testing.T) {
		result, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Callback: func() int { return 0 },
		})
		require.NoError(testInstance, executionError)
		assert.Equal(testInstance, 0, result.ReturnValue)
	})

	testInstance.Run("return_above_ceiling_fails", func(testInstance *testing.T) {
		_, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Callback: func() int { return 3 },
		})
		var exitError execrun.ExitCodeError
		require.ErrorAs(testInstance, executionError, &exitError)
		assert.Equal(testInstance, 3, exitError.ExitCode)
	})

	testInstance.Run("callback_with_command_form_is_ambiguous", func(testInstance *testing.T) {
		_, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
			Callback:  func() int { return 0 },
			Arguments: []string{"ls"},
		})
		assert.ErrorIs(testInstance, executionError, execrun.ErrAmbiguousCommandForms)
	})
}

func TestExecuteNotifiesObserver(testInstance *testing.T) {
	observer := &recordingEventObserver{}
	commandExecutor := newTestExecutor(testInstance, execrun.WithEventObserver(observer))

	_, executionError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{
		Arguments: []string{"echo", "observed"},
	})
	require.NoError(testInstance, executionError)
	require.Len(testInstance, observer.startedStrategies, 1)
	assert.Equal(testInstance, execrun.StrategyForkExec, observer.startedStrategies[0])
	require.Len(testInstance, observer.completedResults, 1)
	assert.Empty(testInstance, observer.failures)

	_, failedError := commandExecutor.Execute(context.Background(), execrun.CommandSpec{})
	require.Error(testInstance, failedError)
	assert.Len(testInstance, observer.failures, 1)
}
