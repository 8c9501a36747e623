package scaling

import (
	"fmt"
	"sync"
	"time"
)

// Default policy values.
const (
	defaultMinWorkers     = 1
	defaultMaxWorkers     = 8
	defaultCooldownPeriod = 10 * time.Second
)

// Option configures a Policy.
type Option func(*Policy)

// WithMinWorkers sets the fewest workers started while work remains.
func WithMinWorkers(n int) Option {
	return func(p *Policy) { p.minWorkers = n }
}

// WithMaxWorkers caps the worker count.
func WithMaxWorkers(n int) Option {
	return func(p *Policy) { p.maxWorkers = n }
}

// WithCooldownPeriod sets the minimum time between two scale-ups.
func WithCooldownPeriod(d time.Duration) Option {
	return func(p *Policy) { p.cooldownPeriod = d }
}

// Policy turns a Load into a worker count. It is safe for concurrent use.
type Policy struct {
	mu             sync.Mutex
	minWorkers     int
	maxWorkers     int
	cooldownPeriod time.Duration
	lastScaleUp    time.Time
	now            func() time.Time
}

// NewPolicy creates a Policy. Unset options use defaults.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		minWorkers:     defaultMinWorkers,
		maxWorkers:     defaultMaxWorkers,
		cooldownPeriod: defaultCooldownPeriod,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxWorkers < p.minWorkers {
		p.maxWorkers = p.minWorkers
	}
	return p
}

// Target is the worker count for load: Runnable clamped to the bounds, or
// zero when nothing remains.
func (p *Policy) Target(load Load) int {
	if load.Remaining() == 0 {
		return 0
	}
	return min(max(load.Runnable, p.minWorkers, 1), p.maxWorkers)
}

// Evaluate compares the target for load with the current count. Only
// increases are recommended, at most once per cooldown period.
func (p *Policy) Evaluate(load Load, current int) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := p.Target(load)
	if target <= current {
		return Decision{
			Action:  ActionNone,
			Workers: current,
			Reason:  fmt.Sprintf("%d runnable, %d workers", load.Runnable, current),
		}
	}

	now := p.now()
	if current > 0 && !p.lastScaleUp.IsZero() && now.Sub(p.lastScaleUp) < p.cooldownPeriod {
		return Decision{
			Action:  ActionNone,
			Workers: current,
			Reason:  "cooldown period active",
		}
	}

	p.lastScaleUp = now
	return Decision{
		Action:  ActionScaleUp,
		Workers: target,
		Delta:   target - current,
		Reason: fmt.Sprintf("%d runnable of %d remaining (bounds %d..%d)",
			load.Runnable, load.Remaining(), p.minWorkers, p.maxWorkers),
	}
}
