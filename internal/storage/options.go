package storage

import "log/slog"

type backendOptions struct {
	policy TraversalPolicy
	logger *slog.Logger
}

type Option func(*backendOptions)

// WithTraversalPolicy only affects backends that can hit unreadable
// directories or links while listing.
func WithTraversalPolicy(policy TraversalPolicy) Option {
	return func(o *backendOptions) {
		o.policy = policy
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *backendOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions(opts []Option) backendOptions {
	o := backendOptions{policy: TraversalSkip, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
