package platform

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"opsync/internal/observability"
)

type PolicyConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BreakerFailures uint32
	BreakerOpen     time.Duration
	RatePerSecond   float64
	Burst           int
	CallTimeout     time.Duration
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxAttempts:     3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		BreakerFailures: 5,
		BreakerOpen:     time.Minute,
		RatePerSecond:   5,
		Burst:           5,
		CallTimeout:     15 * time.Second,
	}
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	d := DefaultPolicyConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerOpen <= 0 {
		c.BreakerOpen = d.BreakerOpen
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Policy wraps remote calls for one (tenant, platform) pair: client-side rate
// limit, circuit breaker, and bounded retries for transient failures.
type Policy struct {
	platform string
	cfg      PolicyConfig
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	sleep    func(context.Context, time.Duration) error
}

func NewPolicy(name, platform string, cfg PolicyConfig) *Policy {
	cfg = cfg.withDefaults()
	p := &Policy{platform: platform, cfg: cfg, sleep: sleepContext}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			f, ok := AsFailure(err)
			return ok && !f.CountsAgainstBreaker()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.BreakerTransitions.WithLabelValues(platform, to.String()).Inc()
			slog.Default().Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return p
}

// State exposes the breaker state for readiness reporting.
func (p *Policy) State() gobreaker.State { return p.breaker.State() }

// Do runs fn under the policy. Transient and rate-limited failures are retried
// up to MaxAttempts with exponential backoff, honoring Retry-After. Other
// failures return immediately. An open breaker fails fast with FailCircuitOpen.
func (p *Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	var last *Failure
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return p.finish(op, start, &Failure{Kind: FailCanceled, Platform: p.platform, Err: err})
			}
		}

		_, err := p.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
			defer cancel()
			if err := fn(callCtx); err != nil {
				return nil, FromError(p.platform, err)
			}
			return nil, nil
		})
		if err == nil {
			return p.finish(op, start, nil)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return p.finish(op, start, &Failure{Kind: FailCircuitOpen, Platform: p.platform, Err: err})
		}

		last = FromError(p.platform, err)
		if ctx.Err() != nil {
			return p.finish(op, start, &Failure{Kind: FailCanceled, Platform: p.platform, Err: ctx.Err()})
		}
		if !last.Retryable() || attempt == p.cfg.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.retryDelay(attempt, last.RetryAfter)); err != nil {
			return p.finish(op, start, &Failure{Kind: FailCanceled, Platform: p.platform, Err: err})
		}
	}
	return p.finish(op, start, last)
}

func (p *Policy) finish(op string, start time.Time, f *Failure) error {
	result := "ok"
	if f != nil {
		result = string(f.Kind)
	}
	observability.AdapterCalls.WithLabelValues(p.platform, op, result).Inc()
	observability.AdapterLatency.WithLabelValues(p.platform, op).Observe(time.Since(start).Seconds())
	if f == nil {
		return nil
	}
	return f
}

func (p *Policy) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
		return retryAfter
	}
	delay := p.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PolicyRegistry hands out one Policy per (tenant, platform) so a failing
// platform for one tenant never trips the breaker of another.
type PolicyRegistry struct {
	mu        sync.Mutex
	policies  map[string]*Policy
	defaults  PolicyConfig
	overrides map[string]PolicyConfig
}

func NewPolicyRegistry(defaults PolicyConfig) *PolicyRegistry {
	return &PolicyRegistry{
		policies:  map[string]*Policy{},
		defaults:  defaults,
		overrides: map[string]PolicyConfig{},
	}
}

// Override sets the config used for platform policies created afterwards.
func (r *PolicyRegistry) Override(platform string, cfg PolicyConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[platform] = cfg
}

func (r *PolicyRegistry) For(tenantID, platform string) *Policy {
	key := tenantID + ":" + platform
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[key]; ok {
		return p
	}
	cfg, ok := r.overrides[platform]
	if !ok {
		cfg = r.defaults
	}
	p := NewPolicy(key, platform, cfg)
	r.policies[key] = p
	return p
}
