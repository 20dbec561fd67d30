package pkg

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the logging interface used throughout the module. Implementations
// must be safe for concurrent use.
type Logger interface {
	Debugf(format string, a ...any)
	Infof(format string, a ...any)
	Warnf(format string, a ...any)
	Errorf(format string, a ...any)
}

// DefaultLogger is used by every component that was not handed a Logger
// option. Binaries usually replace it with NewZerologLogger over their own
// configured zerolog instance.
var DefaultLogger Logger = NewZerologLogger(
	zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel).With().Timestamp().Logger(),
)

// NopLogger discards everything.
var NopLogger Logger = NewZerologLogger(zerolog.Nop())

// NewZerologLogger adapts a zerolog.Logger to the Logger interface.
func NewZerologLogger(l zerolog.Logger) Logger {
	return &zerologLogger{l: l}
}

type zerologLogger struct {
	l zerolog.Logger
}

func (z *zerologLogger) Debugf(format string, a ...any) { z.l.Debug().Msgf(format, a...) }

func (z *zerologLogger) Infof(format string, a ...any) { z.l.Info().Msgf(format, a...) }

func (z *zerologLogger) Warnf(format string, a ...any) { z.l.Warn().Msgf(format, a...) }

func (z *zerologLogger) Errorf(format string, a ...any) { z.l.Error().Msgf(format, a...) }
