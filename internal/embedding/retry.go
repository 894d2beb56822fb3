package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Retrying retries transient provider failures with exponential backoff.
// Context errors and non-transient HTTP statuses fail immediately.
type Retrying struct {
	inner      Provider
	maxRetries uint64
	interval   time.Duration
	logger     *zap.Logger
}

// NewRetrying wraps p with at most maxRetries additional attempts.
func NewRetrying(p Provider, maxRetries int, logger *zap.Logger) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrying{inner: p, maxRetries: uint64(maxRetries), interval: 200 * time.Millisecond, logger: logger}
}

func (r *Retrying) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.interval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.maxRetries), ctx)

	var vectors [][]float32
	err := backoff.RetryNotify(func() error {
		var err error
		vectors, err = r.inner.Embed(ctx, texts)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		r.logger.Warn("embedding call failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (r *Retrying) Dimension() int {
	return r.inner.Dimension()
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
