package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// applicationName identifies this service's connections in pg_stat_activity
// and CLIENT LIST.
const applicationName = "exstem-proctor"

// startupTimeout bounds how long the server waits for a dependency to come
// up before giving up.
const startupTimeout = 30 * time.Second

// pingWithRetry calls ping with exponential backoff until it succeeds, ctx
// ends or startupTimeout elapses.
func pingWithRetry(ctx context.Context, name string, ping func(context.Context) error, log zerolog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = startupTimeout

	return backoff.RetryNotify(func() error {
		return ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Str("dependency", name).Dur("retry_in", next).Msg("Dependency not ready")
	})
}
