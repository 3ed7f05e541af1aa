package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	loggerNameConstant                   = "procrun"
	timestampFieldNameConstant           = "timestamp"
	unsupportedLogLevelTemplateConstant  = "unsupported log level: %s"
	unsupportedLogFormatTemplateConstant = "unsupported log format: %s"
)

// LogLevel enumerates the logging granularities the factory accepts.
type LogLevel string

// Log levels, ordered from most to least verbose.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects the encoder family for emitted entries.
type LogFormat string

const (
	// LogFormatStructured emits machine-readable JSON entries.
	LogFormatStructured LogFormat = "structured"
	// LogFormatConsole emits human-readable entries for interactive use.
	LogFormatConsole LogFormat = "console"
)

// LoggerFactory builds the named zap loggers the executors are constructed
// with.
type LoggerFactory struct{}

// NewLoggerFactory constructs a new logger factory.
func NewLoggerFactory() *LoggerFactory {
	return &LoggerFactory{}
}

// CreateLogger builds a logger honoring the requested level and format. The
// logger is named so entries stay attributable when the execution core is
// embedded in a larger program, timestamps are ISO 8601 under a stable key,
// and stack traces are disabled since the execution layer reports failure
// through typed error values.
func (factory *LoggerFactory) CreateLogger(requestedLogLevel LogLevel, requestedLogFormat LogFormat) (*zap.Logger, error) {
	resolvedLevel, levelError := resolveLevel(requestedLogLevel)
	if levelError != nil {
		return nil, levelError
	}

	configuration, configurationError := baseConfiguration(requestedLogFormat)
	if configurationError != nil {
		return nil, configurationError
	}
	configuration.Level = zap.NewAtomicLevelAt(resolvedLevel)
	configuration.DisableStacktrace = true
	configuration.EncoderConfig.TimeKey = timestampFieldNameConstant
	configuration.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	builtLogger, buildError := configuration.Build()
	if buildError != nil {
		return nil, buildError
	}
	return builtLogger.Named(loggerNameConstant), nil
}

func resolveLevel(requestedLogLevel LogLevel) (zapcore.Level, error) {
	switch requestedLogLevel {
	case LogLevelDebug:
		return zapcore.DebugLevel, nil
	case LogLevelInfo:
		return zapcore.InfoLevel, nil
	case LogLevelWarn:
		return zapcore.WarnLevel, nil
	case LogLevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InvalidLevel, fmt.Errorf(unsupportedLogLevelTemplateConstant, requestedLogLevel)
	}
}

func baseConfiguration(requestedLogFormat LogFormat) (zap.Config, error) {
	switch requestedLogFormat {
	case LogFormatStructured:
		return zap.NewProductionConfig(), nil
	case LogFormatConsole:
		return zap.NewDevelopmentConfig(), nil
	default:
		return zap.Config{}, fmt.Errorf(unsupportedLogFormatTemplateConstant, requestedLogFormat)
	}
}
