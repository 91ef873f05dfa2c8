package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plagapro/plagapro/backend/internal/events"
	"github.com/plagapro/plagapro/backend/internal/remote"
)

func TestMonitor_transitions(t *testing.T) {
	bus := events.NewBus()
	sub, cancel := bus.Subscribe(8)
	defer cancel()

	m := NewMonitor(bus)
	assert.True(t, m.Online(), "starts online")

	assert.False(t, m.SetOnline(true), "no transition")
	assert.True(t, m.SetOnline(false))
	assert.False(t, m.Online())
	assert.True(t, m.SetOnline(true))

	require.Len(t, sub, 2)
	ev := <-sub
	assert.Equal(t, events.ConnectivityChanged, ev.Type)
	assert.Equal(t, false, ev.Data["online"])
	ev = <-sub
	assert.Equal(t, true, ev.Data["online"])
}

func TestMonitor_Observe(t *testing.T) {
	m := NewMonitor(nil)

	m.Observe(&remote.ConnectivityError{Err: errors.New("refused")})
	assert.False(t, m.Online())

	m.Observe(&remote.RejectedError{Status: 422})
	assert.True(t, m.Online(), "a rejection proves the server is reachable")

	m.SetOnline(false)
	m.Observe(errors.New("local failure"))
	assert.False(t, m.Online(), "unrelated errors do not change the signal")

	m.Observe(nil)
	assert.True(t, m.Online())
}

func TestMonitor_Watch(t *testing.T) {
	m := NewMonitor(nil)
	ch, cancel := m.Watch()

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(false)

	// only the most recent value is buffered
	select {
	case v := <-ch:
		assert.False(t, v)
	case <-time.After(time.Second):
		t.Fatal("no value delivered")
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	m.SetOnline(true)
}

type fakePinger struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return &remote.ConnectivityError{Err: errors.New("down")}
	}
	return nil
}

func TestProber_ProbeOnce(t *testing.T) {
	p := &fakePinger{}
	m := NewMonitor(nil)
	prober := NewProber(p, m, 0, time.Second)

	p.fail.Store(true)
	assert.False(t, prober.ProbeOnce(context.Background()))
	assert.False(t, m.Online())

	p.fail.Store(false)
	assert.True(t, prober.ProbeOnce(context.Background()))
	assert.True(t, m.Online())
}

func TestProber_StartStop(t *testing.T) {
	p := &fakePinger{}
	p.fail.Store(true)
	m := NewMonitor(nil)
	prober := NewProber(p, m, 10*time.Millisecond, time.Second)

	prober.Start(context.Background())
	prober.Start(context.Background())

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Online())

	prober.Stop()
	prober.Stop()
	calls := p.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, p.calls.Load(), "no probes after Stop")
}

func TestProber_disabled(t *testing.T) {
	p := &fakePinger{}
	prober := NewProber(p, NewMonitor(nil), 0, time.Second)
	prober.Start(context.Background())
	prober.Stop()
	assert.Equal(t, int32(0), p.calls.Load())
}
