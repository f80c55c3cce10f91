// Package netmon tracks connectivity as a single advisory boolean. The state
// combines platform events pushed via SetOnline with a periodic re-derivation
// from the platform's own connectivity primitive, because event delivery is
// not reliable. No request is ever issued just to probe; a reported "online"
// can still fail at request time and that is a normal failure path.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is the fixed re-check period.
const DefaultPollInterval = 5 * time.Second

// Probe is the platform connectivity primitive: a cheap local check, never a
// network round-trip.
type Probe func() bool

// InterfaceProbe reports whether any non-loopback interface is up with an
// address assigned.
func InterfaceProbe() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Monitor holds the current boolean and fans transitions out to subscribers.
type Monitor struct {
	probe    Probe
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	online bool
	subs   []chan bool
}

type Option func(*Monitor)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// New builds a monitor seeded from an immediate probe.
func New(probe Probe, opts ...Option) *Monitor {
	if probe == nil {
		probe = InterfaceProbe
	}
	m := &Monitor{
		probe:    probe,
		interval: DefaultPollInterval,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.online = probe()
	return m
}

// IsOnline returns the current advisory state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Changes subscribes to transitions. Each value is the new online state.
// Delivery is best-effort: a subscriber that stops draining misses updates
// rather than blocking the monitor.
func (m *Monitor) Changes() <-chan bool {
	ch := make(chan bool, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// SetOnline is the platform-event entry point. Duplicate states are ignored.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]chan bool(nil), m.subs...)
	m.mu.Unlock()

	m.log.Info().Bool("online", online).Msg("network state changed")
	for _, ch := range subs {
		select {
		case ch <- online:
		default:
		}
	}
}

// Run re-derives the state from the probe at the fixed interval until the
// context ends, catching transitions whose events never arrived.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.probe())
		}
	}
}
