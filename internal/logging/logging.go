// Package logging configures the process-wide zerolog root and hands
// out named component loggers. Services receive their logger at
// construction instead of reaching for a global.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Options controls root logger construction.
type Options struct {
	Level   string // trace|debug|info|warn|error, default info
	LogFile string // optional JSON logfile, appended
	NoColor bool
	Quiet   bool // errors only, on the console and in the logfile
}

// New builds the root logger. Console output is human-formatted on a
// TTY, JSON otherwise; the optional logfile always receives JSON.
func New(opts Options) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	if opts.Quiet {
		level = zerolog.ErrorLevel
	}

	var console io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
			NoColor:    opts.NoColor,
		}
	}

	writers := []io.Writer{console}
	closeFn := func() {}

	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closeFn, err
		}
		writers = append(writers, f)
		closeFn = func() { _ = f.Close() }
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()

	return logger, closeFn, nil
}

// Component derives a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
