package viewchange

import (
	"errors"
	"time"

	"github.com/dsprotocols/viewchange/logging"
)

const (
	defaultProgressTimeout = time.Duration(3 * time.Second)
	defaultProofInterval   = time.Duration(1 * time.Second)
)

type options struct {
	// How long the node waits for evidence of a live leader before it
	// proposes the next view.
	progressTimeout time.Duration

	// The interval between proof broadcasts while the node leads its
	// installed view.
	proofInterval time.Duration

	// The level of logged messages.
	logLevel logging.Level

	// Indicates if log level was set or not.
	levelSet bool

	// A provided logger that can be used by the node.
	logger *logging.Logger

	// A provided network transport that can be used by the node.
	transport Transport

	// The scripted run this node participates in.
	testCase TestCase

	// Called after each view install with the new view and its leader.
	installHandler func(view uint64, leader uint32)
}

// Option is a function that updates the options associated with a Node.
type Option func(options *options) error

// WithProgressTimeout sets the duration of the progress timer.
func WithProgressTimeout(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout <= 0 {
			return errors.New("progress timeout must be positive")
		}
		options.progressTimeout = timeout
		return nil
	}
}

// WithProofInterval sets the interval between view-change proof broadcasts
// while the node is a leader. It should be well below the progress timeout,
// or followers will suspect a live leader.
func WithProofInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval <= 0 {
			return errors.New("proof interval must be positive")
		}
		options.proofInterval = interval
		return nil
	}
}

// WithLogLevel sets the log level used by the node.
func WithLogLevel(level logging.Level) Option {
	return func(options *options) error {
		options.logLevel = level
		options.levelSet = true
		return nil
	}
}

// WithLogger sets the logger that will be used by the node. This is useful
// if you wish to direct output somewhere other than the default stderr.
func WithLogger(logger *logging.Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}

// WithTransport sets the network transport that will be used by the node.
// This is useful if you wish to use your own implementation of a transport.
func WithTransport(transport Transport) Option {
	return func(options *options) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		options.transport = transport
		return nil
	}
}

// WithTestCase sets the scripted run the node participates in.
func WithTestCase(testCase TestCase) Option {
	return func(options *options) error {
		options.testCase = testCase
		return nil
	}
}

// WithInstallHandler registers a function called after every view install
// with the new view and its leader. The handler runs on the node's event
// loop and must not block.
func WithInstallHandler(handler func(view uint64, leader uint32)) Option {
	return func(options *options) error {
		if handler == nil {
			return errors.New("install handler must not be nil")
		}
		options.installHandler = handler
		return nil
	}
}
