package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/datadict/dictpipe/internal/common"
)

// Governor wraps calls to a rate-limited remote dependency. It enforces a
// minimum spacing between requests, classifies failures as rate-limit or
// transient, and waits out a computed backoff before retrying. One governor
// instance tracks spacing for one logical agent; concurrent jobs each own
// their own instance.
type Governor struct {
	cfg common.RetryConfig
	log *slog.Logger

	lastRequest  time.Time
	requestCount int

	// test seams
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewGovernor returns a governor with the given retry configuration.
// MaxRetries below 1 is clamped to 1 so Call always attempts op at least
// once.
func NewGovernor(cfg common.RetryConfig, log *slog.Logger) *Governor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Governor{
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		sleep:  sleepCtx,
		jitter: rand.Float64,
	}
}

// RequestCount returns the number of successful remote requests issued
// through this governor.
func (g *Governor) RequestCount() int { return g.requestCount }

// Call executes op up to MaxRetries times. On the final failed attempt the
// underlying error is returned unchanged, so the caller can distinguish
// "gave up after N attempts" from "never attempted" by the error it already
// knows. Waits respect ctx cancellation and hold no locks.
func (g *Governor) Call(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < g.cfg.MaxRetries; attempt++ {
		if err := g.waitForSpacing(ctx); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			g.lastRequest = g.now()
			g.requestCount++
			return nil
		}
		lastErr = err

		if attempt >= g.cfg.MaxRetries-1 {
			g.log.Error("governor.retries_exhausted",
				"max_retries", g.cfg.MaxRetries,
				"error", err,
			)
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := g.delayFor(err, attempt)
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// delayFor classifies err and computes the wait before the next attempt.
func (g *Governor) delayFor(err error, attempt int) time.Duration {
	if IsRateLimit(err) {
		if hint, ok := SuggestedDelay(err, g.now()); ok {
			delay := hint + g.cfg.RetryBuffer
			g.log.Info("governor.rate_limited",
				"attempt", attempt+1,
				"max_retries", g.cfg.MaxRetries,
				"delay", delay,
				"source", "server",
			)
			return delay
		}
		delay := g.backoff(attempt, g.cfg.BaseDelay)
		g.log.Warn("governor.rate_limited",
			"attempt", attempt+1,
			"max_retries", g.cfg.MaxRetries,
			"delay", delay,
			"source", "backoff",
		)
		return delay
	}

	delay := g.backoff(attempt, g.cfg.TransientBase)
	g.log.Warn("governor.transient_error",
		"attempt", attempt+1,
		"max_retries", g.cfg.MaxRetries,
		"delay", delay,
		"error", err,
	)
	return delay
}

// backoff computes base * 2^attempt scaled by a jitter factor drawn
// uniformly from [0.5, 1.0), capped at MaxBackoff. The jitter spread keeps
// concurrent callers from retrying in lockstep.
func (g *Governor) backoff(attempt int, base time.Duration) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt))
	jittered := exp * (0.5 + g.jitter()*0.5)
	if limit := float64(g.cfg.MaxBackoff); jittered > limit {
		jittered = limit
	}
	return time.Duration(jittered)
}

// waitForSpacing sleeps out the remainder of MinDelay since the last
// successful request by this governor.
func (g *Governor) waitForSpacing(ctx context.Context) error {
	if g.cfg.MinDelay <= 0 || g.lastRequest.IsZero() {
		return nil
	}
	elapsed := g.now().Sub(g.lastRequest)
	if elapsed >= g.cfg.MinDelay {
		return nil
	}
	wait := g.cfg.MinDelay - elapsed
	g.log.Debug("governor.spacing_wait", "wait", wait)
	return g.sleep(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
