package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/plagapro/plagapro/backend/internal/logging"
)

// Pinger checks whether the remote store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober periodically pings the remote store and feeds the Monitor.
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewProber creates a Prober. An interval of zero disables periodic probing;
// ProbeOnce still works.
func NewProber(pinger Pinger, monitor *Monitor, interval, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		pinger:   pinger,
		monitor:  monitor,
		interval: interval,
		timeout:  timeout,
	}
}

// ProbeOnce pings once and records the result.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	if err != nil {
		logging.Debug("connectivity probe failed", map[string]interface{}{"error": err.Error()})
		p.monitor.SetOnline(false)
		return false
	}
	p.monitor.SetOnline(true)
	return true
}

// Start begins periodic probing. It is a no-op when already running or when
// the interval is zero.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.interval <= 0 {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.loop(ctx, p.stopCh, p.doneCh)
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
}

func (p *Prober) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	p.ProbeOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
