package scaling

import (
	"context"
	"slices"
	"sync"

	"github.com/Iron-Ham/grind/internal/event"
)

// Monitor re-evaluates a Policy on every queue.progress event and reports
// scale-ups to its handlers and on the bus.
type Monitor struct {
	mu       sync.Mutex
	bus      *event.Bus
	policy   *Policy
	handlers []func(Decision)
	cancel   context.CancelFunc

	// current is the live worker count; the owner keeps it up to date with
	// SetCurrentWorkers.
	current int
}

// NewMonitor creates a Monitor starting from initialWorkers.
func NewMonitor(bus *event.Bus, policy *Policy, initialWorkers int) *Monitor {
	return &Monitor{
		bus:     bus,
		policy:  policy,
		current: initialWorkers,
	}
}

// OnDecision registers a callback for scale-up decisions.
func (m *Monitor) OnDecision(handler func(Decision)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// SetCurrentWorkers updates the worker count used by later evaluations.
func (m *Monitor) SetCurrentWorkers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = n
}

// Start subscribes to progress events and blocks until ctx is cancelled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	subID := m.bus.Subscribe(event.TypeQueueProgress, func(e event.Event) {
		pe, ok := e.(event.QueueProgressEvent)
		if !ok {
			return
		}
		load := Load{
			Pending:    pe.Pending,
			InProgress: pe.InProgress,
			Completed:  pe.Completed,
			Failed:     pe.Failed,
			Blocked:    pe.Blocked,
			Runnable:   pe.Runnable,
		}

		m.mu.Lock()
		current := m.current
		handlers := slices.Clone(m.handlers)
		m.mu.Unlock()

		d := m.policy.Evaluate(load, current)
		if d.Action == ActionNone {
			return
		}
		m.bus.Publish(event.NewScalingDecisionEvent(string(d.Action), d.Delta, d.Workers, d.Reason))
		for _, h := range handlers {
			h(d)
		}
	})

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	<-ctx.Done()
	m.bus.Unsubscribe(subID)
}

// Stop cancels a running Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
