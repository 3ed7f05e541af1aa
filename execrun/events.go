package execrun

import "go.uber.org/zap"

// CommandEventObserver receives lifecycle notifications for command execution.
type CommandEventObserver interface {
	// CommandStarted notifies observers that execution is beginning.
	CommandStarted(spec CommandSpec, strategy ExecutionStrategy)
	// CommandCompleted notifies observers that execution finished and
	// supplies the result.
	CommandCompleted(spec CommandSpec, result ExecutionResult)
	// CommandExecutionFailed reports failures prior to or instead of a result.
	CommandExecutionFailed(spec CommandSpec, failure error)
}

// noopCommandEventObserver discards all command events.
type noopCommandEventObserver struct{}

// CommandStarted implements CommandEventObserver for the no-op observer.
func (noopCommandEventObserver) CommandStarted(CommandSpec, ExecutionStrategy) {}

// CommandCompleted implements CommandEventObserver for the no-op observer.
func (noopCommandEventObserver) CommandCompleted(CommandSpec, ExecutionResult) {}

// CommandExecutionFailed implements CommandEventObserver for the no-op observer.
func (noopCommandEventObserver) CommandExecutionFailed(CommandSpec, error) {}

// LoggingCommandEventObserver renders command lifecycle events through a zap
// logger configured for human-readable output.
type LoggingCommandEventObserver struct {
	logger    *zap.Logger
	formatter CommandMessageFormatter
}

// NewLoggingCommandEventObserver constructs an event observer backed by the
// provided zap logger.
func NewLoggingCommandEventObserver(logger *zap.Logger) *LoggingCommandEventObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingCommandEventObserver{logger: logger, formatter: CommandMessageFormatter{}}
}

// CommandStarted implements CommandEventObserver by logging start notifications.
func (eventObserver *LoggingCommandEventObserver) CommandStarted(spec CommandSpec, strategy ExecutionStrategy) {
	eventObserver.logger.Info(eventObserver.formatter.BuildStartedMessage(spec, strategy))
}

// CommandCompleted implements CommandEventObserver by logging completion notifications.
func (eventObserver *LoggingCommandEventObserver) CommandCompleted(spec CommandSpec, result ExecutionResult) {
	eventObserver.logger.Info(eventObserver.formatter.BuildCompletedMessage(spec, result))
}

// CommandExecutionFailed implements CommandEventObserver by logging failures.
func (eventObserver *LoggingCommandEventObserver) CommandExecutionFailed(spec CommandSpec, failure error) {
	eventObserver.logger.Error(eventObserver.formatter.BuildExecutionFailureMessage(spec, failure))
}
