// Package logging builds the process logger from the log settings.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level  string
	Format string // text, json or color

	// File, when set, sends output to a size-rotated file instead of Stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int

	// Stderr is the console sink. Nil means os.Stderr.
	Stderr io.Writer
}

// New returns a configured logger and a closer for its output.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("unrecognized log level: %w", err)
	}
	logger.SetLevel(level)

	switch opts.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "color":
		logger.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, nil, fmt.Errorf("unrecognized log format %q", opts.Format)
	}

	if opts.File == "" {
		out := opts.Stderr
		if out == nil {
			out = os.Stderr
		}
		logger.SetOutput(out)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		LocalTime:  true,
		Compress:   true,
	}
	logger.SetOutput(rotator)
	return logger, rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
