package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

var (
	defaultWriter io.Writer = os.Stderr
	defaultPrefix string    = "viewchange:"
	defaultFlag   int       = log.LstdFlags
)

type options struct {
	// The mechanism that the logger will use to log messages.
	writer io.Writer

	// The prefix that the logger will write before any message.
	prefix string

	// The flags for the logger.
	flag int

	// The level of the logger: debug, info, warn, error, fatal.
	level Level

	// Indicates whether the log level was set.
	levelSet bool
}

type Option func(options *options) error

// WithWriter sets the writer that will be used by the logger.
func WithWriter(w io.Writer) Option {
	return func(options *options) error {
		options.writer = w
		return nil
	}
}

// WithFile directs log output to a file named after the provided
// discriminant inside the given directory, creating the directory if
// necessary. The file is appended to if it already exists.
func WithFile(dir string, discriminant string) Option {
	return func(options *options) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create log directory: %w", err)
		}
		path := filepath.Join(dir, discriminant+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("could not open log file: %w", err)
		}
		options.writer = f
		return nil
	}
}

// WithPrefix sets the prefix for the logger.
func WithPrefix(prefix string) Option {
	return func(options *options) error {
		options.prefix = prefix
		return nil
	}
}

// WithFlag sets the flags used by the logger.
func WithFlag(flag int) Option {
	return func(options *options) error {
		options.flag = flag
		return nil
	}
}

// WithLevel sets the level of the logger.
func WithLevel(level Level) Option {
	return func(options *options) error {
		options.level = level
		options.levelSet = true
		return nil
	}
}
