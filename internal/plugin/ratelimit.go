// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

var errThrottled = errors.New("minimum interval has not elapsed")

// RunnerLock waits until RunnerMinInterval has passed since the handler last
// used the Runner, then claims the slot.
//
// The check and the claim are separate store calls, so two callers may both
// pass within one interval. The lock spaces out Runner use; it does not
// serialize it.
func (h *Handler) RunnerLock(ctx context.Context) error {
	return h.throttle(ctx, fieldRunnerLastUse, h.cfg.RunnerMinInterval, "runner")
}

// PluginHandlerLock applies the same spacing to Init, Stop and Reset using
// HandlerMinInterval.
func (h *Handler) PluginHandlerLock(ctx context.Context) error {
	return h.throttle(ctx, fieldHandlerLastUse, h.cfg.HandlerMinInterval, "handler")
}

func (h *Handler) throttle(ctx context.Context, field string, interval time.Duration, lock string) error {
	if interval <= 0 {
		return nil
	}

	start := time.Now()
	var remaining time.Duration
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		return remaining, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		last, err := h.lastUse(ctx, field)
		if err != nil {
			return err
		}
		now := time.Now()
		if !last.IsZero() {
			if remaining = interval - now.Sub(last); remaining > 0 {
				return retry.RetryableError(errThrottled)
			}
		}
		return h.stamp(ctx, field, now)
	})
	ThrottleWait.WithLabelValues(lock).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ErrServerError(oops.With("lock", lock).Wrap(ctxErr))
		}
		return err
	}
	return nil
}

// touchRunner refreshes the runner timestamp when a Runner call returns, so
// the interval is measured from the end of the previous call.
func (h *Handler) touchRunner(ctx context.Context) {
	if h.cfg.RunnerMinInterval <= 0 {
		return
	}
	if err := h.stamp(context.WithoutCancel(ctx), fieldRunnerLastUse, time.Now()); err != nil {
		h.logger.WarnContext(ctx, "failed to record runner use", "error", err)
	}
}

func (h *Handler) lastUse(ctx context.Context, field string) (time.Time, error) {
	raw, err := h.store.Read(ctx, h.keys.handler(), field)
	if err != nil {
		return time.Time{}, ErrServerError(err)
	}
	if raw == "" {
		return time.Time{}, nil
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos), nil
}

func (h *Handler) stamp(ctx context.Context, field string, at time.Time) error {
	if err := h.store.Write(ctx, h.keys.handler(), field, strconv.FormatInt(at.UnixNano(), 10)); err != nil {
		return ErrServerError(err)
	}
	return nil
}
