// Package network reduces platform connectivity reports to a two-valued
// online/offline signal.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the connectivity state seen by the rest of the engine.
type Status string

const (
	Offline Status = "offline"
	Online  Status = "online"
)

// Reachability is the platform's view of internet reachability.
type Reachability string

const (
	ReachabilityUnknown     Reachability = "unknown"
	ReachabilityReachable   Reachability = "reachable"
	ReachabilityUnreachable Reachability = "unreachable"
)

// Event is one report from the platform connectivity API.
type Event struct {
	Connected     bool         `json:"connected"`
	Reachable     Reachability `json:"reachable"`
	TransportType string       `json:"transport_type,omitempty"`
}

// StatusOf maps an event to Online only when the device is connected and
// the internet is known to be reachable.
func StatusOf(e Event) Status {
	if e.Connected && e.Reachable == ReachabilityReachable {
		return Online
	}
	return Offline
}

// Prober asks the platform for a fresh connectivity reading.
type Prober interface {
	Probe(ctx context.Context) (Event, error)
}

// Monitor tracks the latest status and fans transitions out to subscribers.
type Monitor struct {
	logger *slog.Logger
	prober Prober

	mu        sync.RWMutex
	status    Status
	last      Event
	changedAt time.Time
	nextID    int
	subs      map[int]func(Status)
}

// NewMonitor starts Offline until the first event arrives. prober may be nil.
func NewMonitor(prober Prober, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger: logger,
		prober: prober,
		status: Offline,
		last:   Event{Reachable: ReachabilityUnknown},
		subs:   make(map[int]func(Status)),
	}
}

func (m *Monitor) CurrentStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) IsOnline() bool { return m.CurrentStatus() == Online }

// LastEvent returns the most recent platform report and when the status last changed.
func (m *Monitor) LastEvent() (Event, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.changedAt
}

// Subscribe registers fn for status transitions. Calling the returned func
// removes it.
func (m *Monitor) Subscribe(fn func(Status)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Handle records a platform event and notifies subscribers if the derived
// status changed.
func (m *Monitor) Handle(e Event) Status {
	if e.Reachable == "" {
		e.Reachable = ReachabilityUnknown
	}
	next := StatusOf(e)

	m.mu.Lock()
	m.last = e
	prev := m.status
	m.status = next
	if prev == next {
		m.mu.Unlock()
		return next
	}
	m.changedAt = time.Now()
	subs := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("network status changed", "from", prev, "to", next, "transport", e.TransportType)
	for _, fn := range subs {
		m.notify(fn, next)
	}
	return next
}

func (m *Monitor) notify(fn func(Status), s Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("network subscriber panicked", "panic", r)
		}
	}()
	fn(s)
}

// ForceRefresh probes the platform and applies the result. When no prober
// is installed or the probe fails, the last known status is returned.
func (m *Monitor) ForceRefresh(ctx context.Context) Status {
	if m.prober == nil {
		return m.CurrentStatus()
	}
	e, err := m.prober.Probe(ctx)
	if err != nil {
		m.logger.Warn("connectivity probe unavailable, keeping last status", "err", err)
		return m.CurrentStatus()
	}
	return m.Handle(e)
}

// Watch refreshes every interval until ctx is done, for hosts that cannot
// push connectivity events.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) error {
	m.ForceRefresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.ForceRefresh(ctx)
		}
	}
}
