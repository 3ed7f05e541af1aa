// Package logging builds the zap loggers injected into the execution core.
package logging
