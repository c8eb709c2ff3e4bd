// Package netmon observes connectivity and exposes the current reachability
// plus a debounced stream of transitions.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober reports whether the network currently looks reachable
type Prober func(ctx context.Context) bool

// Watcher is the read-only view the send pipeline needs
type Watcher interface {
	IsConnected() bool
}

// Monitor is a passive connectivity observer. Raw observations are debounced
// against flapping: a transition must hold for the hysteresis window before
// it is committed and emitted, so a reconnect storm cannot trigger repeated
// queue replays.
type Monitor struct {
	mu         sync.Mutex
	probe      Prober
	interval   time.Duration
	hysteresis time.Duration
	connected  bool
	observed   bool
	candidate  bool
	timer      *time.Timer
	subs       []chan bool
	log        *logrus.Entry
}

// New creates a Monitor. probe may be nil, in which case observations come
// only from SetConnected (platform connectivity callbacks or tests). The
// monitor starts out assuming connectivity, but that assumption carries no
// evidence: the first settled observation is emitted to subscribers even
// when it merely confirms the assumption, so consumers gated on real
// connectivity get a starting event.
func New(probe Prober, interval, hysteresis time.Duration) *Monitor {
	return &Monitor{
		probe:      probe,
		interval:   interval,
		hysteresis: hysteresis,
		connected:  true,
		candidate:  true,
		log:        logrus.WithField("component", "netmon"),
	}
}

// Start begins periodic probing until ctx is cancelled. No-op without a probe.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}

	// Settle the initial state synchronously so callers see reality before
	// the first tick.
	m.commit(m.probe(ctx), true)

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetConnected(m.probe(ctx))
			}
		}
	}()
}

// IsConnected returns the settled connectivity state
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe registers for settled transition events. Consumers subscribe once
// at startup.
func (m *Monitor) Subscribe() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan bool, 4)
	m.subs = append(m.subs, ch)
	return ch
}

// SetConnected feeds a raw connectivity observation. Transitions are
// debounced; at most one event is emitted per settled transition.
func (m *Monitor) SetConnected(state bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state == m.connected {
		// Flap back within the hysteresis window cancels the pending flip.
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.candidate = state
		if !m.observed {
			// First real observation confirming the assumed state still
			// settles and emits.
			m.commitLocked(state, true)
		}
		return
	}

	if m.timer != nil && m.candidate == state {
		return // flip already pending
	}

	m.candidate = state
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if m.hysteresis <= 0 {
		m.commitLocked(state, true)
		return
	}

	m.timer = time.AfterFunc(m.hysteresis, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.timer == nil || m.candidate != state {
			return
		}
		m.timer = nil
		m.commitLocked(state, true)
	})
}

func (m *Monitor) commit(state, emit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitLocked(state, emit)
}

// commitLocked settles an observation and notifies subscribers. Caller holds
// mu.
func (m *Monitor) commitLocked(state, emit bool) {
	first := !m.observed
	if m.connected == state && !first {
		return
	}
	m.observed = true
	if m.connected != state {
		m.log.WithField("connected", state).Info("connectivity changed")
	}
	m.connected = state
	m.candidate = state
	if !emit {
		return
	}
	for _, ch := range m.subs {
		select {
		case ch <- state:
		default:
			m.log.Warn("subscriber slow, dropping connectivity event")
		}
	}
}
