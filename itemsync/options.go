package itemsync

import "go.uber.org/zap"

const defaultPageSize = 100

type engineOptions struct {
	logger   *zap.Logger
	pageSize int
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithPageSize sets the page size of full item pulls.
func WithPageSize(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.pageSize = n
		}
	}
}
