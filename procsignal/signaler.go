package procsignal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/temirov/procrun/execrun"
)

const (
	processTableCommandConstant        = "ps"
	processTableFormatFlagConstant     = "-eo"
	processTableColumnsConstant        = "pid=,ppid="
	processTableFailureTemplate        = "process table listing failed: %w"
	processTableLineFieldCountConstant = 2
	runnerMissingMessageConstant       = "command runner not configured"
	signalDebugMessageConstant         = "signal delivered"
	escalationDebugMessageConstant     = "escalated to SIGKILL"
	logFieldProcessIDConstant          = "pid"
	logFieldSignalConstant             = "signal"
)

// ErrRunnerNotConfigured reports a signaler constructed without its runner.
var ErrRunnerNotConfigured = errors.New(runnerMissingMessageConstant)

// CommandRunner executes one command; *execrun.CommandExecutor satisfies it.
type CommandRunner interface {
	Execute(executionContext context.Context, spec execrun.CommandSpec) (execrun.ExecutionResult, error)
}

// EscalationOptions shapes the second phase of tree signaling. A zero
// GracePeriod disables escalation entirely.
type EscalationOptions struct {
	GracePeriod time.Duration
}

// ProcessSignaler discovers and signals process trees.
type ProcessSignaler struct {
	runner CommandRunner
	logger *zap.Logger
}

// NewProcessSignaler constructs a signaler around the injected runner and
// logger.
func NewProcessSignaler(runner CommandRunner, logger *zap.Logger) (*ProcessSignaler, error) {
	if runner == nil {
		return nil, ErrRunnerNotConfigured
	}
	if logger == nil {
		return nil, execrun.ErrLoggerNotConfigured
	}
	return &ProcessSignaler{runner: runner, logger: logger}, nil
}

// ListDescendants reports rootProcessID followed by every transitive child,
// parents before their children, from one snapshot of the process table.
func (signaler *ProcessSignaler) ListDescendants(executionContext context.Context, rootProcessID int) ([]int, error) {
	tableResult, tableError := signaler.runner.Execute(executionContext, execrun.CommandSpec{
		Arguments: []string{processTableCommandConstant, processTableFormatFlagConstant, processTableColumnsConstant},
	})
	if tableError != nil {
		return nil, fmt.Errorf(processTableFailureTemplate, tableError)
	}

	childrenByParent := parseProcessTable(tableResult.StandardOutput)

	tree := []int{rootProcessID}
	for frontierIndex := 0; frontierIndex < len(tree); frontierIndex++ {
		tree = append(tree, childrenByParent[tree[frontierIndex]]...)
	}
	return tree, nil
}

// SignalTree sends signalNumber to the root and all its descendants, deepest
// first so parents cannot respawn children mid-delivery. With a grace period
// configured, survivors still alive afterwards receive SIGKILL.
func (signaler *ProcessSignaler) SignalTree(executionContext context.Context, rootProcessID int, signalNumber unix.Signal, options EscalationOptions) error {
	tree, listError := signaler.ListDescendants(executionContext, rootProcessID)
	if listError != nil {
		return listError
	}

	for treeIndex := len(tree) - 1; treeIndex >= 0; treeIndex-- {
		targetProcessID := tree[treeIndex]
		if killError := unix.Kill(targetProcessID, signalNumber); killError != nil {
			// Processes that exited between snapshot and delivery are fine.
			if !errors.Is(killError, unix.ESRCH) {
				return killError
			}
			continue
		}
		signaler.logger.Debug(signalDebugMessageConstant,
			zap.Int(logFieldProcessIDConstant, targetProcessID),
			zap.Int(logFieldSignalConstant, int(signalNumber)),
		)
	}

	if options.GracePeriod <= 0 || signalNumber == unix.SIGKILL {
		return nil
	}

	select {
	case <-executionContext.Done():
		return executionContext.Err()
	case <-time.After(options.GracePeriod):
	}

	for treeIndex := len(tree) - 1; treeIndex >= 0; treeIndex-- {
		targetProcessID := tree[treeIndex]
		if unix.Kill(targetProcessID, 0) != nil {
			continue
		}
		if killError := unix.Kill(targetProcessID, unix.SIGKILL); killError != nil && !errors.Is(killError, unix.ESRCH) {
			return killError
		}
		signaler.logger.Debug(escalationDebugMessageConstant,
			zap.Int(logFieldProcessIDConstant, targetProcessID),
		)
	}
	return nil
}

// parseProcessTable reads "pid ppid" lines into a child index.
func parseProcessTable(tableOutput string) map[int][]int {
	childrenByParent := make(map[int][]int)
	for _, tableLine := range strings.Split(tableOutput, "\n") {
		lineFields := strings.Fields(tableLine)
		if len(lineFields) != processTableLineFieldCountConstant {
			continue
		}
		childProcessID, childParseError := strconv.Atoi(lineFields[0])
		parentProcessID, parentParseError := strconv.Atoi(lineFields[1])
		if childParseError != nil || parentParseError != nil {
			continue
		}
		childrenByParent[parentProcessID] = append(childrenByParent[parentProcessID], childProcessID)
	}
	return childrenByParent
}
