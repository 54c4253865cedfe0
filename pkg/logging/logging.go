// Package logging configures the process-wide zerolog logger and bridges it to
// Watermill.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	WithCaller bool   `yaml:"with_caller"`
}

// Init installs the global logger. Format is "text", "json" or "" (auto: text
// on a terminal, json otherwise).
func Init(s Settings) error {
	return InitWithWriter(s, os.Stderr, isatty.IsTerminal(os.Stderr.Fd()))
}

func InitWithWriter(s Settings, w io.Writer, tty bool) error {
	level := zerolog.InfoLevel
	if s.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer
	switch strings.ToLower(s.Format) {
	case "json":
		out = w
	case "text":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: !tty}
	case "":
		if tty {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		} else {
			out = w
		}
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}
