// Package connectivity tracks whether the remote store is reachable and
// notifies interested components when that changes.
package connectivity

import (
	"sync"

	"github.com/plagapro/plagapro/backend/internal/events"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/remote"
)

// Monitor holds the current connectivity signal. It starts online; the first
// connectivity failure or an explicit SetOnline(false) flips it.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	watchers map[int]chan bool
	nextID   int
	bus      events.Publisher
}

// NewMonitor creates a Monitor publishing transitions on bus (may be nil).
func NewMonitor(bus events.Publisher) *Monitor {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Monitor{
		online:   true,
		watchers: make(map[int]chan bool),
		bus:      bus,
	}
}

// Online reports the current signal.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a new signal value. Watchers and the bus are only
// notified on transitions. It returns true when the value changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	for _, ch := range m.watchers {
		// keep only the latest value for slow watchers
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	m.mu.Unlock()

	logging.Info("connectivity changed", map[string]interface{}{"online": online})
	m.bus.Publish(events.ConnectivityChanged, map[string]interface{}{"online": online})
	return true
}

// Observe feeds the outcome of a remote call into the signal: a connectivity
// failure means offline, anything else that reached the server means online.
func (m *Monitor) Observe(err error) {
	if remote.IsConnectivity(err) {
		m.SetOnline(false)
		return
	}
	if err == nil || remote.IsRejected(err) {
		m.SetOnline(true)
	}
}

// Watch returns a channel receiving every transition. Only the most recent
// unread value is kept. cancel closes the channel.
func (m *Monitor) Watch() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.watchers, id)
			close(ch)
		})
	}
}
