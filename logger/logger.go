/*
Package logger wraps our underlying logging implementation so that the rest
of the client only ever talks to this interface. Writing to a file and to any
number of console writers is supported; file output is rotated.
*/
package logger

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Path to log file, if no file logging is desired leave empty
	FilePath string

	// Any additional writers to send log output to (stdout, test writers, etc.)
	ConsoleWriters []io.Writer
}

type Logger struct {
	logger zerolog.Logger
}

const (
	maxLogFileSizeMb = 100
	maxLogFileAge    = 30
)

func New(config *Config) (*Logger, error) {
	// Let's us display stack info on errors
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		return fmt.Sprintf("%+v", err)
	}

	writers := []io.Writer{}

	if config.FilePath != "" {
		fileWriter := &lumberjack.Logger{
			Filename: config.FilePath,
			MaxSize:  maxLogFileSizeMb,
			MaxAge:   maxLogFileAge,
			Compress: true,
		}
		writers = append(writers, fileWriter)
	}

	writers = append(writers, config.ConsoleWriters...)

	if len(writers) == 0 {
		return &Logger{logger: zerolog.Nop()}, nil
	}

	multi := zerolog.MultiLevelWriter(writers...)

	return &Logger{
		logger: zerolog.New(multi).With().Timestamp().Logger(),
	}, nil
}

func (l *Logger) AddClientVersion(version string) {
	l.logger = l.logger.With().Str("clientVersion", version).Logger()
}

func (l *Logger) AddConnectionId(id string) {
	l.logger = l.logger.With().Str("connectionId", id).Logger()
}

// GetComponentLogger returns a child logger annotated with the component's
// name, to be handed to that component
func (l *Logger) GetComponentLogger(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", component).Logger(),
	}
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Stack().Err(err).Msg("")
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Stack().Msgf(format, a...)
}
