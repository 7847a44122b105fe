// Package engine drives simulation providers on a wall-clock schedule and
// manages the set of live runs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxSpeed bounds the speed multiplier.
const MaxSpeed = 1000.0

// Engine is a fixed-interval tick loop with a speed multiplier.
type Engine struct {
	Interval time.Duration // Base tick interval at speed 1.0
	OnTick   func(ctx context.Context, tick uint64)

	mu      sync.Mutex
	tick    uint64
	speed   float64 // 1.0 = real-time, 0 = paused
	running bool
	stop    chan struct{}
}

// NewEngine creates an engine with a one-second interval at speed 1.
func NewEngine() *Engine {
	return &Engine{
		Interval: time.Second,
		speed:    1.0,
	}
}

// Run blocks, ticking until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	stop := e.stop
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	slog.Debug("engine started", "tick", e.Tick(), "speed", e.Speed())

	for {
		speed := e.Speed()
		wait := 100 * time.Millisecond
		if speed > 0 {
			start := time.Now()
			e.step(ctx)
			target := time.Duration(float64(e.Interval) / speed)
			wait = target - time.Since(start)
		}

		if wait <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
				continue
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop halts a running loop. Safe to call when not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.stop != nil {
		select {
		case <-e.stop:
		default:
			close(e.stop)
		}
	}
}

func (e *Engine) step(ctx context.Context) {
	e.mu.Lock()
	e.tick++
	tick := e.tick
	e.mu.Unlock()

	if e.OnTick != nil {
		e.OnTick(ctx, tick)
	}
}

// Tick returns the number of ticks run so far.
func (e *Engine) Tick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// SetTick moves the counter, e.g. after restoring a snapshot.
func (e *Engine) SetTick(t uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tick = t
}

// Speed returns the current multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the multiplier. 0 pauses ticking without leaving Run.
func (e *Engine) SetSpeed(s float64) error {
	if s < 0 || s > MaxSpeed {
		return fmt.Errorf("speed must be 0-%g", MaxSpeed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speed = s
	return nil
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
