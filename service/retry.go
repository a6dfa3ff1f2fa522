package service

import (
	"context"
	"log/slog"
	"time"

	"ViralLaunch-server/config"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// RetryPolicy is an exponential schedule without jitter.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy waits 1s, 7s, 49s and 343s between five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 7, MaxDelay: 10 * time.Minute}
}

func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if c.Attempts > 0 {
		p.MaxAttempts = c.Attempts
	}
	if c.InitialDelay > 0 {
		p.InitialDelay = c.InitialDelay
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	return p
}

// TotalDelay is the time spent waiting between attempts when every attempt
// fails transiently.
func (p RetryPolicy) TotalDelay() time.Duration {
	var total time.Duration
	d := p.InitialDelay
	for i := 1; i < p.MaxAttempts; i++ {
		step := d
		if p.MaxDelay > 0 && step > p.MaxDelay {
			step = p.MaxDelay
		}
		total += step
		d = time.Duration(float64(d) * p.Multiplier)
	}
	return total
}

// attemptAllowance is the share of an item deadline reserved for each
// generation call.
const attemptAllowance = 30 * time.Second

// MinItemTimeout is the shortest item deadline under which every attempt of
// the policy can still run.
func (p RetryPolicy) MinItemTimeout() time.Duration {
	return p.TotalDelay() + time.Duration(p.MaxAttempts)*attemptAllowance
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// RetryingGenerator retries transient failures of the wrapped generator and
// paces calls with a shared rate limiter.
type RetryingGenerator struct {
	next    Generator
	policy  RetryPolicy
	limiter *rate.Limiter
	// NewTimer supplies the timer used between attempts.
	NewTimer func() backoff.Timer
	logger   *slog.Logger
}

// NewRetryingGenerator wraps next. A requestsPerMinute of zero disables pacing.
func NewRetryingGenerator(next Generator, policy RetryPolicy, requestsPerMinute int, logger *slog.Logger) *RetryingGenerator {
	g := &RetryingGenerator{
		next:   next,
		policy: policy,
		logger: logger.With("component", "generation_retry"),
	}
	if requestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}
	return g
}

func (g *RetryingGenerator) do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := fn()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, d time.Duration) {
		g.logger.WarnContext(ctx, "transient generation error, retrying",
			"op", op, "attempt", attempt, "delay", d, "error", err)
	}
	var timer backoff.Timer
	if g.NewTimer != nil {
		timer = g.NewTimer()
	}
	return backoff.RetryNotifyWithTimer(operation, g.policy.backOff(ctx), notify, timer)
}

func (g *RetryingGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	var out string
	err := g.do(ctx, "text", func() (err error) {
		out, err = g.next.GenerateText(ctx, prompt)
		return err
	})
	return out, err
}

func (g *RetryingGenerator) GenerateImage(ctx context.Context, req ImageRequest) (*Media, error) {
	var out *Media
	err := g.do(ctx, "image", func() (err error) {
		out, err = g.next.GenerateImage(ctx, req)
		return err
	})
	return out, err
}

func (g *RetryingGenerator) GenerateVideo(ctx context.Context, req VideoRequest) (string, error) {
	var out string
	err := g.do(ctx, "video", func() (err error) {
		out, err = g.next.GenerateVideo(ctx, req)
		return err
	})
	return out, err
}

func (g *RetryingGenerator) PollOperation(ctx context.Context, handle string) (*Operation, error) {
	var out *Operation
	err := g.do(ctx, "poll", func() (err error) {
		out, err = g.next.PollOperation(ctx, handle)
		return err
	})
	return out, err
}
