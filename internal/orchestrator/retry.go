package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// retry runs op with the per-call timeout, retrying failures up to
// workflow.max_retries times with exponential backoff. It stops as soon as
// ctx is done.
func (o *Orchestrator) retry(ctx context.Context, log *zap.Logger, op func(context.Context) error) error {
	wc := o.cfg.Workflow

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = wc.RetryInitial
	b.MaxInterval = wc.RetryMax
	b.MaxElapsedTime = 0
	retries := wc.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		callCtx, cancel := withTimeout(ctx, wc.CallTimeout)
		defer cancel()
		err := op(callCtx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		log.Warn("call failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
