// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/jersoncarin/facebook-message-api/internal/config"
)

// New returns a logger writing to stderr, leaving stdout to event output.
func New(cfg config.LoggingConfig) (zerolog.Logger, error) {
	return NewWriter(os.Stderr, cfg)
}

// NewWriter is New with an explicit destination. The result also becomes the
// global logger.
func NewWriter(w io.Writer, cfg config.LoggingConfig) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	out := w
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: !isTerminal(w)}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", "fbmsg").Logger()
	log.Logger = logger
	return logger, nil
}

// isTerminal reports whether w is a terminal, which enables colors.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
