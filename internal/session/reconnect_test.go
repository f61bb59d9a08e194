package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconnector_FlatDelayByDefault(t *testing.T) {
	ft := &fakeTimers{}
	r := NewReconnector(0, 0, ft.AfterFunc)

	for i := 1; i <= 3; i++ {
		require.Equal(t, 5*time.Second, r.Schedule(func(uint64) {}))
		require.Equal(t, i, r.State().Attempt)
	}
	for _, tm := range ft.all() {
		require.Equal(t, 5*time.Second, tm.d)
	}
}

func TestReconnector_CappedBackoff(t *testing.T) {
	ft := &fakeTimers{}
	r := NewReconnector(time.Second, 5*time.Second, ft.AfterFunc)

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, r.Schedule(func(uint64) {}))
	}
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, got)

	r.Reset()
	require.Equal(t, ReconnectState{Attempt: 0, NextDelay: time.Second}, r.State())
}

func TestReconnector_ScheduleSupersedesPending(t *testing.T) {
	ft := &fakeTimers{}
	r := NewReconnector(time.Second, 0, ft.AfterFunc)

	calls := 0
	fn := func(token uint64) {
		if r.Claim(token) {
			calls++
		}
	}
	r.Schedule(fn)
	r.Schedule(fn)

	timers := ft.all()
	require.Len(t, timers, 2)
	require.True(t, timers[0].isStopped())
	require.True(t, r.State().Pending)

	timers[0].fire()
	require.Zero(t, calls, "superseded timer must not claim")
	timers[1].fire()
	require.Equal(t, 1, calls)
	require.False(t, r.State().Pending)
}

func TestReconnector_CancelInvalidatesFiredTimer(t *testing.T) {
	ft := &fakeTimers{}
	r := NewReconnector(time.Second, 0, ft.AfterFunc)

	var token uint64
	r.Schedule(func(tok uint64) { token = tok })
	require.True(t, r.Cancel())
	require.False(t, r.Cancel())

	ft.last(t).fire()
	require.False(t, r.Claim(token))
}

func TestReconnector_ClaimIsSingleUse(t *testing.T) {
	ft := &fakeTimers{}
	r := NewReconnector(time.Second, 0, ft.AfterFunc)

	var token uint64
	r.Schedule(func(tok uint64) { token = tok })
	ft.last(t).fire()
	require.True(t, r.Claim(token))
	require.False(t, r.Claim(token))
}

func TestReconnector_SetPolicy(t *testing.T) {
	ft := &fakeTimers{}
	r := NewReconnector(time.Second, 0, ft.AfterFunc)
	r.SetPolicy(200*time.Millisecond, time.Second)
	require.Equal(t, 200*time.Millisecond, r.Schedule(func(uint64) {}))
	require.Equal(t, 400*time.Millisecond, r.State().NextDelay)
}

func TestReconnector_RealTimer(t *testing.T) {
	r := NewReconnector(10*time.Millisecond, 0, nil)
	done := make(chan bool, 1)
	r.Schedule(func(tok uint64) { done <- r.Claim(tok) })

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("retry never fired")
	}
}
