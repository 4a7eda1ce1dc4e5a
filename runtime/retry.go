package runtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/privacyflow/types"
)

type retryPolicy struct {
	// Count is the number of retries after the first attempt.
	Count   int
	Delay   time.Duration
	Backoff float64
}

func retryPolicyFromOptions(opts *types.EngineOptions) retryPolicy {
	return retryPolicy{
		Count:   opts.TaskRetryCount,
		Delay:   opts.TaskRetryDelay,
		Backoff: opts.TaskRetryBackoff,
	}
}

func (p retryPolicy) newBackOff() *overridableBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Delay
	exp.RandomizationFactor = 0
	exp.Multiplier = p.Backoff
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	exp.MaxInterval = time.Hour
	exp.MaxElapsedTime = 0

	count := p.Count
	if count < 0 {
		count = 0
	}
	return &overridableBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(count))}
}

// overridableBackOff lets a RetryError choose the next delay.
type overridableBackOff struct {
	backoff.BackOff
	override time.Duration
}

func (o *overridableBackOff) NextBackOff() time.Duration {
	d := o.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if o.override > 0 {
		d, o.override = o.override, 0
	}
	return d
}

/**
 * withRetry runs one action of a task under the retry policy.
 *
 * A disabled collection is skipped before anything else happens. Every
 * attempt is logged as started or retrying. A pause is persisted and
 * returned, a FatalError stops retrying, and once attempts run out the
 * task is marked as errored and defaultValue returned with a nil error.
 */
func withRetry[T any](g *graphTask, action types.ActionType, defaultValue T, fn func() (T, error)) (T, error) {
	var (
		result  T
		lastErr error
		attempt int
	)

	if err := g.skipIfDisabled(); err != nil {
		if types.IsCollectionDisabled(err) {
			log.WithFields(g.logFields(action)).Warningf("skipping: %v", err)
			if lerr := g.logSkipped(action, err); lerr != nil {
				return defaultValue, errors.Trace(lerr)
			}
			return defaultValue, nil
		}
		return defaultValue, errors.Trace(err)
	}

	b := g.retry.newBackOff()
	operation := func() error {
		var err error
		if attempt == 0 {
			err = g.logStart(action)
		} else {
			err = g.logRetry(action)
		}
		attempt++
		if err != nil {
			return backoff.Permanent(err)
		}

		r, err := fn()
		if err == nil {
			result = r
			return nil
		}
		lastErr = err
		if types.IsPause(err) || types.IsFatal(err) {
			return backoff.Permanent(err)
		}
		var retryErr *types.RetryError
		if errors.As(err, &retryErr) && retryErr.Backoff > 0 {
			b.override = retryErr.Backoff
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		log.WithFields(g.logFields(action)).Warningf("retrying %s in %v: %v", action, d, err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, g.resources.ctx), notify)
	if err == nil {
		return result, nil
	}

	if types.IsPause(err) {
		log.WithFields(g.logFields(action)).Warningf("paused: %v", err)
		if lerr := g.logPaused(action, err); lerr != nil {
			return defaultValue, errors.Trace(lerr)
		}
		return defaultValue, err
	}
	if lastErr == nil {
		// the status bookkeeping itself failed
		return defaultValue, errors.Trace(err)
	}

	if lerr := g.logEnd(action, lastErr, "", nil); lerr != nil {
		return defaultValue, errors.Trace(lerr)
	}
	return defaultValue, nil
}
