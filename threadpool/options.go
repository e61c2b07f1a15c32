package threadpool

import (
	"errors"

	"github.com/joeycumines/logiface"
)

// poolOptions holds configuration for a [Pool] instance.
type poolOptions struct {
	logger          *logiface.Logger[logiface.Event]
	reserveThreads  int
	verboseFailures bool
}

// Option configures a [Pool] instance. Options are applied during pool
// construction.
type Option interface {
	applyOption(*poolOptions) error
}

// poolOptionImpl implements [Option] via a closure.
type poolOptionImpl struct {
	fn func(*poolOptions) error
}

func (o *poolOptionImpl) applyOption(opts *poolOptions) error {
	return o.fn(opts)
}

// WithReserveThreads overrides the number of resident worker threads.
// The default derives from the core count, clamped to [2, 32]; an
// explicit value is used as given (tests commonly use 1).
func WithReserveThreads(n int) Option {
	return &poolOptionImpl{fn: func(opts *poolOptions) error {
		if n <= 0 {
			return errors.New("threadpool: reserve threads must be positive")
		}
		opts.reserveThreads = n
		return nil
	}}
}

// WithLogger configures structured logging for the pool. A nil logger
// disables logging (the default).
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &poolOptionImpl{fn: func(opts *poolOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithVerboseFailures enables diagnostic dumping: if the pool fails to
// quiesce (or prepare for a fork) within a bounded wait, every goroutine
// stack is dumped and the process panics, instead of waiting forever.
func WithVerboseFailures() Option {
	return &poolOptionImpl{fn: func(opts *poolOptions) error {
		opts.verboseFailures = true
		return nil
	}}
}

// resolveOptions applies the given options to a default [poolOptions].
func resolveOptions(opts []Option) (*poolOptions, error) {
	cfg := &poolOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
