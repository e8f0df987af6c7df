// Package ratelimit enforces per-model concurrency caps with a non-blocking
// counted semaphore. Callers that cannot take a slot are refused immediately;
// queueing here would make tail latency unpredictable and fight the account
// pool's own waiting logic.
package ratelimit

import (
	"sync"
	"sync/atomic"
)

// CapacityFunc returns the slot capacity for a model.
type CapacityFunc func(model string) int

// Limiter tracks in-flight requests per model.
type Limiter struct {
	capacity CapacityFunc
	mu       sync.Mutex
	counters map[string]*int64
}

// New creates a Limiter with the given capacity policy.
func New(capacity CapacityFunc) *Limiter {
	return &Limiter{
		capacity: capacity,
		counters: make(map[string]*int64),
	}
}

func (l *Limiter) counter(model string) *int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[model]
	if !ok {
		c = new(int64)
		l.counters[model] = c
	}
	return c
}

// Acquire attempts to take a slot for model. Non-blocking.
func (l *Limiter) Acquire(model string) bool {
	max := int64(l.capacity(model))
	if max <= 0 {
		return true
	}
	c := l.counter(model)
	for {
		cur := atomic.LoadInt64(c)
		if cur >= max {
			return false
		}
		if atomic.CompareAndSwapInt64(c, cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot for model. Safe to call on every exit path; the
// counter never drops below zero.
func (l *Limiter) Release(model string) {
	if int64(l.capacity(model)) <= 0 {
		return
	}
	c := l.counter(model)
	for {
		cur := atomic.LoadInt64(c)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(c, cur, cur-1) {
			return
		}
	}
}

// InFlight reports the current slot usage for model.
func (l *Limiter) InFlight(model string) int {
	return int(atomic.LoadInt64(l.counter(model)))
}
