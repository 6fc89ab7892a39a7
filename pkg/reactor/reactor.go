// Package reactor provides the timer dispatch loop that schedules the
// winder's periodic work: the supervisor control tick and the tension
// control period both run as reactor timers. Time is expressed in
// float64 seconds on a monotonic clock.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// NOW schedules a timer for immediate dispatch.
	NOW = 0.0
	// NEVER parks a timer; returning NEVER from a callback
	// unschedules it.
	NEVER = 9999999999999999.0
)

// TimerCallback is called when a timer fires. It receives the event
// time and returns the next wake time, or NEVER to stop.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer.
type Timer struct {
	id        uint64
	callback  TimerCallback
	waketime  float64
	isRunning bool
	mu        sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Reactor manages timers and cross-goroutine callbacks.
type Reactor struct {
	mu          sync.RWMutex
	timers      []*Timer
	nextTimerID uint64
	nextWake    float64

	asyncQueue chan func()

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a Reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		nextWake:   NEVER,
		asyncQueue: make(chan func(), 1000),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
}

// Monotonic returns the current monotonic time in seconds.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// RegisterTimer registers a timer with the given callback and wake time.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := &Timer{
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		callback: callback,
		waketime: waketime,
	}
	r.timers = append(r.timers, timer)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	return timer
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer changes a timer's wake time. A timer currently running
// its callback keeps the callback's return value instead.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.isRunning {
		timer.mu.Unlock()
		return
	}
	timer.waketime = waketime
	timer.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
}

// RunAsync schedules fn to run on the dispatch goroutine. Safe to call
// from any goroutine; used by command handlers to hand work to the
// control loop. Never blocks; returns false when the queue is full.
func (r *Reactor) RunAsync(fn func(eventtime float64)) bool {
	select {
	case r.asyncQueue <- func() { fn(r.Monotonic()) }:
		return true
	default:
		return false
	}
}

// Pause sleeps until the given wake time or shutdown.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}
	select {
	case <-time.After(time.Duration((waketime - now) * float64(time.Second))):
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Run starts the dispatch loop.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch loop exits.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		eventtime := r.Monotonic()

		r.drainAsync()
		timeout := r.checkTimers(eventtime)

		if timeout > 0 {
			delay := time.Duration(timeout * float64(time.Second))
			if delay > time.Second {
				delay = time.Second
			}
			select {
			case <-time.After(delay):
			case fn := <-r.asyncQueue:
				fn()
			case <-r.ctx.Done():
				return
			}
		}
	}
}

func (r *Reactor) drainAsync() {
	for {
		select {
		case fn := <-r.asyncQueue:
			fn()
		default:
			return
		}
	}
}

// checkTimers fires due timers and returns the delay to the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, timer := range timers {
		timer.mu.Lock()
		waketime := timer.waketime
		if eventtime >= waketime {
			timer.waketime = NEVER
			timer.isRunning = true
			timer.mu.Unlock()

			newWaketime := timer.callback(eventtime)

			timer.mu.Lock()
			timer.isRunning = false
			if newWaketime < timer.waketime {
				timer.waketime = newWaketime
			}
		}
		waketime = timer.waketime
		timer.mu.Unlock()

		r.mu.Lock()
		if waketime < r.nextWake {
			r.nextWake = waketime
		}
		r.mu.Unlock()
	}

	r.mu.RLock()
	delay := r.nextWake - eventtime
	r.mu.RUnlock()
	if delay < 0 {
		delay = 0
	}
	return delay
}
