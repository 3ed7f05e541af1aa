package execrun

import (
	"context"

	"go.uber.org/zap"

	"github.com/temirov/procrun/rundir"
)

const (
	dispatchDebugMessageConstant        = "command dispatched"
	outcomeDebugMessageConstant         = "command finished"
	failureDebugMessageConstant         = "command failed"
	logFieldCommandConstant             = "command"
	logFieldStrategyConstant            = "strategy"
	logFieldReturnValueConstant         = "return_value"
	logFieldProcessIDConstant           = "pid"
	logFieldSignalConstant              = "signal"
)

// CommandExecutor validates, dispatches, and supervises command executions.
type CommandExecutor struct {
	logger     *zap.Logger
	settings   rundir.Settings
	capability PlatformCapability
	observer   CommandEventObserver
}

// ExecutorOption adjusts optional executor collaborators.
type ExecutorOption func(*CommandExecutor)

// WithEventObserver installs a lifecycle observer.
func WithEventObserver(observer CommandEventObserver) ExecutorOption {
	return func(executor *CommandExecutor) {
		if observer != nil {
			executor.observer = observer
		}
	}
}

// WithPlatformCapability overrides the probed platform capability.
func WithPlatformCapability(capability PlatformCapability) ExecutorOption {
	return func(executor *CommandExecutor) {
		executor.capability = capability
	}
}

// NewCommandExecutor constructs an executor around the injected logger and
// runtime settings.
func NewCommandExecutor(logger *zap.Logger, settings rundir.Settings, options ...ExecutorOption) (*CommandExecutor, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if len(settings.RunDirectory) == 0 || len(settings.TempDirectory) == 0 {
		return nil, ErrSettingsNotConfigured
	}

	executor := &CommandExecutor{
		logger:     logger,
		settings:   settings,
		capability: DetectPlatformCapability(settings.DetachHelperPath),
		observer:   noopCommandEventObserver{},
	}
	for _, option := range options {
		option(executor)
	}
	return executor, nil
}

// Execute runs one command to the spec's instructions and produces its
// Execution Result. Errors of the taxonomy (ExecFailedError, TimeoutError,
// ExitCodeError, UnknownExitStatusError, and the validation sentinels) are
// raised to the caller; nothing is swallowed or retried.
func (executor *CommandExecutor) Execute(executionContext context.Context, spec CommandSpec) (ExecutionResult, error) {
	if spec.Callback != nil {
		return executor.runCallback(spec)
	}

	strategy, dispatchedSpec, selectionError := SelectExecutionStrategy(spec, executor.capability)
	if selectionError != nil {
		executor.observer.CommandExecutionFailed(spec, selectionError)
		return ExecutionResult{}, selectionError
	}

	executor.logger.Debug(dispatchDebugMessageConstant,
		zap.String(logFieldCommandConstant, dispatchedSpec.CommandLabel()),
		zap.String(logFieldStrategyConstant, strategy.String()),
	)
	executor.observer.CommandStarted(dispatchedSpec, strategy)

	result, executionError := executor.runStrategy(executionContext, strategy, dispatchedSpec)
	if executionError != nil {
		executor.observer.CommandExecutionFailed(dispatchedSpec, executionError)
		executor.logger.Debug(failureDebugMessageConstant,
			zap.String(logFieldCommandConstant, dispatchedSpec.CommandLabel()),
			zap.Error(executionError),
		)
		return ExecutionResult{}, executionError
	}

	if classificationError := executor.classifyResult(dispatchedSpec, result); classificationError != nil {
		executor.observer.CommandExecutionFailed(dispatchedSpec, classificationError)
		executor.logger.Debug(failureDebugMessageConstant,
			zap.String(logFieldCommandConstant, dispatchedSpec.CommandLabel()),
			zap.Error(classificationError),
		)
		return result, classificationError
	}

	executor.observer.CommandCompleted(dispatchedSpec, result)
	executor.logger.Debug(outcomeDebugMessageConstant,
		zap.String(logFieldCommandConstant, dispatchedSpec.CommandLabel()),
		zap.Int(logFieldReturnValueConstant, result.ReturnValue),
		zap.Int(logFieldProcessIDConstant, result.ProcessID),
		zap.Int(logFieldSignalConstant, result.TerminationSignal),
	)
	return result, nil
}

func (executor *CommandExecutor) runStrategy(executionContext context.Context, strategy ExecutionStrategy, spec CommandSpec) (ExecutionResult, error) {
	switch strategy {
	case StrategyForkExec:
		return executor.runForkExec(executionContext, spec)
	case StrategyPipedExec:
		return executor.runPipedExec(executionContext, spec)
	case StrategyShell:
		return executor.runShell(executionContext, spec)
	case StrategyExternalRunner:
		return executor.runExternalRunner(executionContext, spec)
	default:
		return ExecutionResult{}, ErrCommandNotSpecified
	}
}

// runCallback executes a synthetic command in place of a child process and
// translates its return into the common exit-status schema.
func (executor *CommandExecutor) runCallback(spec CommandSpec) (ExecutionResult, error) {
	if validationError := spec.Validate(); validationError != nil {
		executor.observer.CommandExecutionFailed(spec, validationError)
		return ExecutionResult{}, validationError
	}

	executor.logger.Debug(dispatchDebugMessageConstant,
		zap.String(logFieldCommandConstant, spec.CommandLabel()),
		zap.String(logFieldStrategyConstant, StrategyForkExec.String()),
	)
	executor.observer.CommandStarted(spec, StrategyForkExec)

	callbackReturn := spec.Callback()
	result := ExecutionResult{ReturnValue: callbackReturn}

	if classificationError := executor.classifyResult(spec, result); classificationError != nil {
		executor.observer.CommandExecutionFailed(spec, classificationError)
		executor.logger.Debug(failureDebugMessageConstant,
			zap.String(logFieldCommandConstant, spec.CommandLabel()),
			zap.Error(classificationError),
		)
		return result, classificationError
	}

	executor.observer.CommandCompleted(spec, result)
	executor.logger.Debug(outcomeDebugMessageConstant,
		zap.String(logFieldCommandConstant, spec.CommandLabel()),
		zap.Int(logFieldReturnValueConstant, result.ReturnValue),
		zap.Int(logFieldProcessIDConstant, result.ProcessID),
		zap.Int(logFieldSignalConstant, result.TerminationSignal),
	)
	return result, nil
}

// classifyResult applies the expected-return ceiling. Async and detached
// results carry no final exit status and are never classified.
func (executor *CommandExecutor) classifyResult(spec CommandSpec, result ExecutionResult) error {
	if spec.Async || spec.Detach {
		return nil
	}
	if result.ReturnValue == UndefinedReturnValue {
		return UnknownExitStatusError{CommandLabel: spec.CommandLabel(), RawStatus: result.RawWaitStatus}
	}
	if result.ReturnValue > spec.ExpectedReturnCeiling {
		return ExitCodeError{
			CommandLabel:          spec.CommandLabel(),
			ExitCode:              result.ReturnValue,
			ExpectedReturnCeiling: spec.ExpectedReturnCeiling,
			StandardError:         result.StandardError,
		}
	}
	return nil
}
