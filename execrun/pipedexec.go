package execrun

import (
	"context"
	"strings"
)

// runPipedExec executes a string-form command without shell interpretation.
// The dispatcher only routes strings of bare words here, so splitting on
// whitespace is exact.
func (executor *CommandExecutor) runPipedExec(executionContext context.Context, spec CommandSpec) (ExecutionResult, error) {
	argumentVector := strings.Fields(spec.CommandLine)
	if len(argumentVector) == 0 {
		return ExecutionResult{}, ErrCommandNotSpecified
	}
	if spec.Detach {
		return executor.runDetached(executionContext, spec, argumentVector)
	}
	return executor.superviseArgumentVector(executionContext, spec, argumentVector)
}
