package wordstore

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// updatePolicy replays a whole level-update transaction when Postgres
// reports a transient conflict.
type updatePolicy struct {
	attempts int
	delay    time.Duration
	logger   *slog.Logger
	wait     func(context.Context, time.Duration) error
}

func newUpdatePolicy(logger *slog.Logger) updatePolicy {
	return updatePolicy{attempts: 4, delay: 50 * time.Millisecond, logger: logger, wait: sleepCtx}
}

// transient reports conflict codes 40001 and 40P01. Other errors count only
// when pgconn says nothing reached the server.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

// do runs fn and replays it on transient errors while attempts remain.
// The delay doubles after every failure, plus up to 100% jitter.
func (p updatePolicy) do(ctx context.Context, fn func() error) error {
	delay := p.delay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !transient(err) || attempt >= p.attempts {
			return err
		}
		p.logger.Warn("wordstore: level update conflict, retrying", "attempt", attempt, "error", err)
		jitter := time.Duration(rand.Int64N(int64(delay) + 1)) //nolint:gosec // jitter only
		if werr := p.wait(ctx, delay+jitter); werr != nil {
			return werr
		}
		delay *= 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
