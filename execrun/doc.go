// Package execrun executes external commands through one of four
// interchangeable strategies: native spawn of an argument vector, direct
// spawn of a string command over three pipes, the platform shell, or a
// pipeline-capable external runner. A CommandExecutor validates the
// CommandSpec, dispatches it to the strategy the spec and platform call
// for, supervises the child with a readiness-multiplexed drain loop and an
// optional timeout, and normalizes the outcome into an ExecutionResult.
package execrun
