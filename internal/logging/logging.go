// Package logging builds the process-wide zerolog.Logger used by every
// component constructor in this daemon, in place of the teacher's bare
// log.Printf calls.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger. Debug mirrors the CLAUDE_AFK_DEBUG env var
// (§6.7); LogDir is the logs/ directory under the config dir (§6.6).
type Options struct {
	Debug  bool
	LogDir string
}

// New builds a logger that writes JSON lines to logs/afkd.log (created under
// LogDir) and, when Debug is set, also writes a human-readable stream to
// stderr.
func New(opts Options) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return zerolog.Logger{}, err
		}
		f, err := os.OpenFile(filepath.Join(opts.LogDir, "afkd.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers, f)
	}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, nil
}
