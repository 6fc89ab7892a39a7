package reactor

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestMonotonic(t *testing.T) {
	r := New()
	t1 := r.Monotonic()
	time.Sleep(5 * time.Millisecond)
	t2 := r.Monotonic()
	if t2 <= t1 {
		t.Errorf("Monotonic did not advance: %v -> %v", t1, t2)
	}
}

func TestTimerFires(t *testing.T) {
	r := New()
	var fired atomic.Int32

	r.RegisterTimer(func(eventtime float64) float64 {
		fired.Add(1)
		return NEVER
	}, NOW)

	r.Run()
	defer func() { r.End(); r.Wait() }()

	deadline := time.After(time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer never fired")
		case <-time.After(time.Millisecond):
		}
	}
	// Returning NEVER must stop repetition.
	time.Sleep(20 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("timer fired %d times, want 1", n)
	}
}

func TestPeriodicTimer(t *testing.T) {
	r := New()
	var fired atomic.Int32

	r.RegisterTimer(func(eventtime float64) float64 {
		fired.Add(1)
		return eventtime + 0.002
	}, NOW)

	r.Run()
	defer func() { r.End(); r.Wait() }()

	deadline := time.After(time.Second)
	for fired.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("only %d firings before deadline", fired.Load())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestUnregisterTimer(t *testing.T) {
	r := New()
	var fired atomic.Int32

	timer := r.RegisterTimer(func(eventtime float64) float64 {
		fired.Add(1)
		return eventtime + 0.001
	}, NOW)

	r.Run()
	defer func() { r.End(); r.Wait() }()

	deadline := time.After(time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer never fired")
		case <-time.After(time.Millisecond):
		}
	}

	r.UnregisterTimer(timer)
	n := fired.Load()
	time.Sleep(20 * time.Millisecond)
	// One in-flight firing may land after unregister.
	if fired.Load() > n+1 {
		t.Errorf("timer kept firing after unregister: %d -> %d", n, fired.Load())
	}
	if timer.Waketime() != NEVER {
		t.Errorf("unregistered timer waketime = %v, want NEVER", timer.Waketime())
	}
}

func TestRunAsync(t *testing.T) {
	r := New()
	done := make(chan float64, 1)

	r.Run()
	defer func() { r.End(); r.Wait() }()

	if !r.RunAsync(func(eventtime float64) { done <- eventtime }) {
		t.Fatal("RunAsync rejected")
	}
	select {
	case et := <-done:
		if et < 0 {
			t.Errorf("bad event time %v", et)
		}
	case <-time.After(time.Second):
		t.Fatal("async callback never ran")
	}
}

func TestConcurrentTimerUpdates(t *testing.T) {
	r := New()
	var fired atomic.Int32

	timer := r.RegisterTimer(func(eventtime float64) float64 {
		fired.Add(1)
		return eventtime + 0.001
	}, NOW)

	r.Run()
	defer func() { r.End(); r.Wait() }()

	// UpdateTimer and RegisterTimer write nextWake under the reactor
	// lock; the dispatch loop must too. Run with -race to verify.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			r.UpdateTimer(timer, NOW)
			extra := r.RegisterTimer(func(eventtime float64) float64 {
				return NEVER
			}, NOW)
			r.UnregisterTimer(extra)
		}
	}()

	<-done
	deadline := time.After(time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer never fired")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPauseReturnsAtWaketime(t *testing.T) {
	r := New()
	start := r.Monotonic()
	end := r.Pause(start + 0.01)
	if end < start+0.01 {
		t.Errorf("Pause returned early: %v < %v", end, start+0.01)
	}
}
