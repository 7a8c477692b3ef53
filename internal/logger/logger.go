package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// ParseLevel maps a configured level name to a LogLevel. Unknown names fall
// back to InfoLevel; config validation rejects them earlier.
func ParseLevel(level string) LogLevel {
	switch level {
	case "debug":
		return DebugLevel
	case "warning", "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

type zeroLogger struct {
	log zerolog.Logger
}

var std Logger = Nop()

// New creates a console logger at the given level. Services get no
// timestamps since journald adds its own.
func New(level LogLevel, isService bool) Logger {
	return NewWithWriter(os.Stdout, level, isService)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(out io.Writer, level LogLevel, isService bool) Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	l := zerolog.New(output).Level(zerolog.Level(level)).With().Timestamp().Logger()
	return &zeroLogger{log: l}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zeroLogger{log: zerolog.Nop()}
}

// Init installs the process-wide logger used by the package-level helpers.
func Init(level LogLevel, isService bool) Logger {
	std = New(level, isService)
	return std
}

// Std returns the process-wide logger.
func Std() Logger {
	return std
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

func (z *zeroLogger) Debug() *LogEvent {
	return &LogEvent{z.log.Debug()}
}

func (z *zeroLogger) Info() *LogEvent {
	return &LogEvent{z.log.Info()}
}

func (z *zeroLogger) Warn() *LogEvent {
	return &LogEvent{z.log.Warn()}
}

func (z *zeroLogger) Error() *LogEvent {
	return &LogEvent{z.log.Error()}
}

// ErrorWithCode logs an error message with its error code
func (z *zeroLogger) ErrorWithCode(err error) *LogEvent {
	return &LogEvent{z.log.Error().
		Str("error_code", codeOf(err)).
		Err(err)}
}

func (z *zeroLogger) With(component string) Logger {
	return &zeroLogger{log: z.log.With().Str("component", component).Logger()}
}

// Debug logs a debug message
func Debug() *LogEvent {
	return std.Debug()
}

// Info logs an info message
func Info() *LogEvent {
	return std.Info()
}

// Warn logs a warning message
func Warn() *LogEvent {
	return std.Warn()
}

// Error logs an error message
func Error() *LogEvent {
	return std.Error()
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err error) *LogEvent {
	return std.ErrorWithCode(err)
}
