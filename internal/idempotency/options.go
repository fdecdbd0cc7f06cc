package idempotency

import "github.com/sirupsen/logrus"

// config holds the configuration for Store.
type config struct {
	logger logrus.FieldLogger
}

// Option configures a Store.
type Option func(*config)

// WithLogger sets the logger. Default: the logrus standard logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
