// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package reactor provides the timer and clock abstraction driving the
// thermal host: a float-seconds monotonic clock, periodic timers for
// sensor sampling and output scheduling, and an end-aware Pause used by
// blocking wait loops.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// NOW schedules a timer for immediate dispatch
	NOW = 0.0
	// NEVER parks a timer indefinitely
	NEVER = 9999999999999999.0
)

// TimerCallback is called when a timer fires. It receives the event time
// and returns the next wake time; return NEVER to park the timer.
type TimerCallback func(eventtime float64) float64

// Timer represents a registered timer.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
	running  bool
	mu       sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Reactor dispatches timers against a monotonic clock.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64
	nextWake    float64

	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	wg        sync.WaitGroup
	startTime time.Time

	// wake interrupts the dispatch sleep when timers change
	wake chan struct{}
}

// New creates a new Reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		nextWake:  NEVER,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		wake:      make(chan struct{}, 1),
	}
}

// Monotonic returns the current monotonic time in seconds.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// IsEnded reports whether End has been called.
func (r *Reactor) IsEnded() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}

// RegisterTimer registers a new timer with the given callback and wake time.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	timer := &Timer{
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		callback: callback,
		waketime: waketime,
	}
	r.timers = append(r.timers, timer)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
	r.kick()
	return timer
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	r.mu.Lock()
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// UpdateTimer changes a timer's wake time. Updating a timer whose
// callback is currently running is a no-op; the callback's return value
// wins.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.running {
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
	r.kick()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pause sleeps until the given wake time, or until End is called.
// Returns the current monotonic time.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}
	delay := time.Duration((waketime - now) * float64(time.Second))
	select {
	case <-time.After(delay):
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Run starts the dispatch loop in a goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the reactor to stop; pending Pause calls return promptly.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch loop has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		eventtime := r.Monotonic()
		timeout := r.checkTimers(eventtime)

		if timeout > 0 {
			delay := time.Duration(timeout * float64(time.Second))
			if delay > time.Second {
				delay = time.Second
			}
			select {
			case <-time.After(delay):
			case <-r.wake:
			case <-r.ctx.Done():
				return
			}
		}
	}
}

// checkTimers fires due timers and returns the delay until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.mu.Unlock()

	nextWake := NEVER
	for _, timer := range timers {
		timer.mu.Lock()
		waketime := timer.waketime
		if eventtime >= waketime {
			timer.waketime = NEVER
			timer.running = true
			timer.mu.Unlock()

			newWaketime := timer.callback(eventtime)

			timer.mu.Lock()
			timer.running = false
			if newWaketime < timer.waketime {
				timer.waketime = newWaketime
			}
			waketime = timer.waketime
		}
		timer.mu.Unlock()
		if waketime < nextWake {
			nextWake = waketime
		}
	}

	r.mu.Lock()
	// A timer may have been registered while dispatching; keep the earlier wake.
	if r.nextWake > eventtime && r.nextWake < nextWake {
		nextWake = r.nextWake
	}
	r.nextWake = nextWake
	delay := r.nextWake - eventtime
	r.mu.Unlock()
	if delay < 0 {
		return 0
	}
	return delay
}
