package key

import "go.uber.org/zap"

type hierarchyOptions struct {
	logger    *zap.Logger
	rotations RotationCache
	access    AccessChecker
}

// Option configures a Hierarchy.
type Option func(*hierarchyOptions)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *hierarchyOptions) {
		o.logger = l
	}
}

// WithRotationCache sets the rollback-detection cache. The default is an
// in-memory cache.
func WithRotationCache(c RotationCache) Option {
	return func(o *hierarchyOptions) {
		o.rotations = c
	}
}

// WithAccessChecker installs the role policy consulted before encryption.
func WithAccessChecker(a AccessChecker) Option {
	return func(o *hierarchyOptions) {
		o.access = a
	}
}
