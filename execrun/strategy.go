package execrun

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

const (
	strategyForkExecNameConstant       = "fork-exec"
	strategyPipedExecNameConstant      = "piped-exec"
	strategyShellNameConstant          = "shell"
	strategyExternalRunnerNameConstant = "external-runner"
	strategyUnknownNameConstant        = "unknown"

	shellMetacharactersConstant          = "|&;<>()$`\\\"'*?[]{}~#\n"
	argumentPipelineCharactersConstant   = "|&;"
	windowsOperatingSystemNameConstant   = "windows"
	argumentQuoteFailureTemplateConstant = "argument %q cannot be represented in shell syntax: %w"
)

// ExecutionStrategy identifies one of the four interchangeable spawn
// algorithms. Selection happens once, before any process is created.
type ExecutionStrategy int

const (
	// StrategyForkExec runs an argument vector natively without a shell.
	StrategyForkExec ExecutionStrategy = iota
	// StrategyPipedExec runs a string command without a shell over three pipes.
	StrategyPipedExec
	// StrategyShell runs the command through the platform shell.
	StrategyShell
	// StrategyExternalRunner delegates to the pipeline-capable runner.
	StrategyExternalRunner
)

// String names the strategy for logs and messages.
func (strategy ExecutionStrategy) String() string {
	switch strategy {
	case StrategyForkExec:
		return strategyForkExecNameConstant
	case StrategyPipedExec:
		return strategyPipedExecNameConstant
	case StrategyShell:
		return strategyShellNameConstant
	case StrategyExternalRunner:
		return strategyExternalRunnerNameConstant
	default:
		return strategyUnknownNameConstant
	}
}

// PlatformCapability reports what the current platform can do; dispatch is a
// pure function of it and the CommandSpec.
type PlatformCapability struct {
	// NativeSpawnSupported reports whether processes can be spawned without
	// an intervening shell.
	NativeSpawnSupported bool
	// ExternalRunnerAvailable reports whether the pipeline-capable runner
	// can be used.
	ExternalRunnerAvailable bool
	// DetachHelperAvailable reports whether the detach intermediate binary
	// resolves on this system.
	DetachHelperAvailable bool
}

// DetectPlatformCapability probes the running platform. The external runner
// is compiled in and always available; the detach helper is available when
// its configured path resolves to an executable.
func DetectPlatformCapability(detachHelperPath string) PlatformCapability {
	capability := PlatformCapability{
		NativeSpawnSupported:    runtime.GOOS != windowsOperatingSystemNameConstant,
		ExternalRunnerAvailable: true,
	}
	if len(detachHelperPath) > 0 {
		if _, lookupError := exec.LookPath(detachHelperPath); lookupError == nil {
			capability.DetachHelperAvailable = true
		}
	}
	return capability
}

// SelectExecutionStrategy deterministically picks a strategy for the spec.
// It may rewrite the spec when a representation change is required (an
// argument vector flattened into a string re-enters dispatch as string
// form). It never selects a strategy for an empty command.
func SelectExecutionStrategy(spec CommandSpec, capability PlatformCapability) (ExecutionStrategy, CommandSpec, error) {
	if validationError := spec.Validate(); validationError != nil {
		return StrategyForkExec, spec, validationError
	}

	if spec.HasArgumentForm() {
		needsPipeline := argumentVectorNeedsPipeline(spec.Arguments)
		if !capability.NativeSpawnSupported || needsPipeline || spec.ForceExternalRunner {
			if capability.ExternalRunnerAvailable {
				return StrategyExternalRunner, spec, nil
			}
			flattenedSpec, flattenError := flattenToStringForm(spec)
			if flattenError != nil {
				return StrategyForkExec, spec, flattenError
			}
			return SelectExecutionStrategy(flattenedSpec, capability)
		}
		if spec.ForceShell {
			flattenedSpec, flattenError := flattenToStringForm(spec)
			if flattenError != nil {
				return StrategyForkExec, spec, flattenError
			}
			return StrategyShell, flattenedSpec, nil
		}
		return StrategyForkExec, spec, nil
	}

	if !capability.NativeSpawnSupported || containsShellMetacharacters(spec.CommandLine) || spec.Async || spec.ForceShell {
		return StrategyShell, spec, nil
	}
	return StrategyPipedExec, spec, nil
}

// containsShellMetacharacters reports whether the string form needs shell
// interpretation. Plain whitespace is not a metacharacter; a string of bare
// words is split and executed directly.
func containsShellMetacharacters(commandLine string) bool {
	return strings.ContainsAny(commandLine, shellMetacharactersConstant)
}

// argumentVectorNeedsPipeline reports whether any argument carries pipeline
// syntax the non-shell strategies cannot express.
func argumentVectorNeedsPipeline(arguments []string) bool {
	for _, argument := range arguments {
		if strings.ContainsAny(argument, argumentPipelineCharactersConstant) {
			return true
		}
	}
	return false
}

// flattenToStringForm rewrites an array-form spec as string form, quoting
// arguments containing whitespace so word boundaries survive the shell.
func flattenToStringForm(spec CommandSpec) (CommandSpec, error) {
	flattenedParts := make([]string, 0, len(spec.Arguments))
	for _, argument := range spec.Arguments {
		if strings.ContainsAny(argument, whitespaceCharactersConstant) {
			quotedArgument, quoteError := syntax.Quote(argument, syntax.LangPOSIX)
			if quoteError != nil {
				return spec, fmt.Errorf(argumentQuoteFailureTemplateConstant, argument, quoteError)
			}
			flattenedParts = append(flattenedParts, quotedArgument)
			continue
		}
		flattenedParts = append(flattenedParts, argument)
	}

	flattenedSpec := spec
	flattenedSpec.Arguments = nil
	flattenedSpec.CommandLine = strings.Join(flattenedParts, commandLabelJoinSeparatorConstant)
	return flattenedSpec, nil
}

// quoteArgumentVector renders every argument shell-safe, used when a literal
// vector must travel through a shell intermediate verbatim.
func quoteArgumentVector(arguments []string) (string, error) {
	quotedParts := make([]string, 0, len(arguments))
	for _, argument := range arguments {
		quotedArgument, quoteError := syntax.Quote(argument, syntax.LangPOSIX)
		if quoteError != nil {
			return "", fmt.Errorf(argumentQuoteFailureTemplateConstant, argument, quoteError)
		}
		quotedParts = append(quotedParts, quotedArgument)
	}
	return strings.Join(quotedParts, commandLabelJoinSeparatorConstant), nil
}

const whitespaceCharactersConstant = " \t"
