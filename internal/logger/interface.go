package logger

import "codeberg.org/mutker/evtrack/internal/errors"

// Logger defines the interface for logging operations.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	ErrorWithCode(err error) *LogEvent
	With(component string) Logger
}

var _ Logger = (*zeroLogger)(nil)

// codeOf is split out so ErrorWithCode accepts plain errors too.
func codeOf(err error) string {
	return string(errors.CodeOf(err))
}
