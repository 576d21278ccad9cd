package share

import "go.uber.org/zap"

type registryOptions struct {
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*registryOptions)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *registryOptions) {
		o.logger = l
	}
}
