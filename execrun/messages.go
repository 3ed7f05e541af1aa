package execrun

import (
	"fmt"
	"strings"
)

const (
	startedMessageTemplateConstant          = "Running %s using the %s strategy"
	completedMessageTemplateConstant        = "Completed %s"
	completedAsyncMessageTemplateConstant   = "Started %s with pid %d"
	signalTerminationMessageTemplate        = "%s terminated by signal %d"
	executionFailureMessageTemplateConstant = "%s failed: %s"
	workingDirectorySuffixTemplateConstant  = " (in %s)"
	unknownFailureMessageConstant           = "unknown error"
	emptyStringConstant                     = ""
)

// CommandMessageFormatter builds human-readable messages for command
// lifecycle events.
type CommandMessageFormatter struct{}

// BuildStartedMessage formats the message describing a command about to run.
func (formatter CommandMessageFormatter) BuildStartedMessage(spec CommandSpec, strategy ExecutionStrategy) string {
	return fmt.Sprintf(startedMessageTemplateConstant, formatter.formatCommandLabel(spec), strategy)
}

// BuildCompletedMessage formats the message describing a finished command.
func (formatter CommandMessageFormatter) BuildCompletedMessage(spec CommandSpec, result ExecutionResult) string {
	if result.ProcessID > 0 && result.Session == nil && result.ReturnValue == 0 && (spec.Async || spec.Detach) {
		return fmt.Sprintf(completedAsyncMessageTemplateConstant, formatter.formatCommandLabel(spec), result.ProcessID)
	}
	if result.TerminationSignal > 0 {
		return fmt.Sprintf(signalTerminationMessageTemplate, formatter.formatCommandLabel(spec), result.TerminationSignal)
	}
	return fmt.Sprintf(completedMessageTemplateConstant, formatter.formatCommandLabel(spec))
}

// BuildExecutionFailureMessage formats the message describing a failure.
func (formatter CommandMessageFormatter) BuildExecutionFailureMessage(spec CommandSpec, failure error) string {
	failureMessage := unknownFailureMessageConstant
	if failure != nil {
		failureMessage = failure.Error()
	}
	return fmt.Sprintf(executionFailureMessageTemplateConstant, formatter.formatCommandLabel(spec), failureMessage)
}

func (formatter CommandMessageFormatter) formatCommandLabel(spec CommandSpec) string {
	commandLabel := spec.CommandLabel()
	workingDirectorySuffix := formatter.formatWorkingDirectorySuffix(spec)
	return commandLabel + workingDirectorySuffix
}

func (formatter CommandMessageFormatter) formatWorkingDirectorySuffix(spec CommandSpec) string {
	trimmedWorkingDirectory := strings.TrimSpace(spec.WorkingDirectory)
	if len(trimmedWorkingDirectory) == 0 {
		return emptyStringConstant
	}
	return fmt.Sprintf(workingDirectorySuffixTemplateConstant, trimmedWorkingDirectory)
}
