// Package circuitbreaker guards upstream APIs with a per-slug breaker.
//
// Each key moves closed → open after threshold consecutive failures,
// stays open for openDuration, then lets a single probe through
// (half-open). The probe's outcome closes or reopens the circuit.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	openCircuits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "circuitbreaker",
		Name:      "open_circuits",
		Help:      "Number of keys whose circuit is not closed.",
	})
)

func init() {
	prometheus.MustRegister(stateTransitions, openCircuits)
}

type entry struct {
	state      State
	failures   int
	openedAt   time.Time
	probeStart time.Time
}

// Breaker is a per-key circuit breaker.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	onTransition func(key string, from, to State)
	now          func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures
// and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition sets a callback invoked (asynchronously) on state changes.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request to key may proceed. An open circuit
// whose openDuration has passed admits exactly one probe. A probe that
// never reports back is abandoned after another openDuration.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	now := b.now()
	switch e.state {
	case StateOpen:
		if now.Sub(e.openedAt) >= b.openDuration {
			b.transition(e, key, StateHalfOpen)
			e.probeStart = now
			return true
		}
		return false
	case StateHalfOpen:
		if now.Sub(e.probeStart) >= b.openDuration {
			e.probeStart = now
			return true
		}
		return false
	default:
		return true
	}
}

// Abandon frees the probe slot of a half-open circuit when the call that
// took it ended without reaching the upstream. Other states are untouched.
func (b *Breaker) Abandon(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok && e.state == StateHalfOpen {
		e.probeStart = time.Time{}
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.failures = 0
	b.transition(e, key, StateClosed)
}

// RecordFailure counts a failure. A failed probe reopens the circuit;
// threshold consecutive failures open a closed one.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen:
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Reset forgets a key, closing its circuit.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		b.transition(e, key, StateClosed)
		delete(b.entries, key)
	}
}

// Tripped returns the keys whose circuit is open or half-open.
func (b *Breaker) Tripped() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]State)
	for k, e := range b.entries {
		if e.state != StateClosed {
			out[k] = e.state
		}
	}
	return out
}

// TrippedKeys returns the keys of Tripped in order.
func (b *Breaker) TrippedKeys() []string {
	tripped := b.Tripped()
	keys := make([]string, 0, len(tripped))
	for k := range tripped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// transition changes state and fires the callback. Caller holds b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	switch {
	case from == StateClosed:
		openCircuits.Inc()
	case to == StateClosed:
		openCircuits.Dec()
	}
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
