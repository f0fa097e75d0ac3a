// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/seido/inbound/internal/metrics"
)

// JobHandler runs one job. *Processor satisfies it.
type JobHandler interface {
	Process(ctx context.Context, job Job)
}

// JobFunc adapts a function to JobHandler.
type JobFunc func(ctx context.Context, job Job)

// Process calls f.
func (f JobFunc) Process(ctx context.Context, job Job) { f(ctx, job) }

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers      int
	QueueSize    int
	DrainTimeout time.Duration
}

type task struct {
	ctx context.Context
	job Job
}

// Dispatcher runs jobs on a bounded worker pool. It is a suture.Service:
// workers run while Serve runs, and queued jobs are drained when Serve
// returns. Jobs that overflow the pool run on their own goroutine and are
// counted until they finish; Wait blocks on them.
type Dispatcher struct {
	handler      JobHandler
	jobs         chan task
	workers      int
	drainTimeout time.Duration

	mu      sync.RWMutex
	running bool

	overflowMu sync.Mutex
	overflow   int
	idle       chan struct{}
}

// NewDispatcher creates a dispatcher for handler.
func NewDispatcher(handler JobHandler, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Dispatcher{
		handler:      handler,
		jobs:         make(chan task, cfg.QueueSize),
		workers:      cfg.Workers,
		drainTimeout: cfg.DrainTimeout,
	}
}

// Submit hands job to the pool and returns immediately. The job keeps the
// values of ctx but not its cancellation. When the queue is full or the pool
// is not running the job gets its own goroutine.
func (d *Dispatcher) Submit(ctx context.Context, job Job) {
	t := task{ctx: context.WithoutCancel(ctx), job: job}

	d.mu.RLock()
	if d.running {
		select {
		case d.jobs <- t:
			d.mu.RUnlock()
			metrics.DispatchQueueDepth.Set(float64(len(d.jobs)))
			return
		default:
			slog.WarnContext(ctx, "dispatch queue full, running job inline",
				"queue_size", cap(d.jobs),
			)
		}
	}
	d.mu.RUnlock()

	d.startOverflow()
	go func() {
		defer d.finishOverflow()
		d.execute(t)
	}()
}

func (d *Dispatcher) startOverflow() {
	d.overflowMu.Lock()
	d.overflow++
	d.overflowMu.Unlock()
}

func (d *Dispatcher) finishOverflow() {
	d.overflowMu.Lock()
	defer d.overflowMu.Unlock()
	d.overflow--
	if d.overflow == 0 && d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
}

// overflowDone returns a channel closed once no overflow job is running.
func (d *Dispatcher) overflowDone() <-chan struct{} {
	d.overflowMu.Lock()
	defer d.overflowMu.Unlock()
	if d.overflow == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	if d.idle == nil {
		d.idle = make(chan struct{})
	}
	return d.idle
}

// Wait blocks until every overflow job has finished or timeout elapses, and
// reports whether they all finished. Jobs submitted after Serve returned run
// as overflow jobs, so callers stop accepting requests first and call Wait
// before closing the resources jobs use.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = d.drainTimeout
	}
	return d.waitOverflow(timeout)
}

func (d *Dispatcher) waitOverflow(timeout time.Duration) bool {
	select {
	case <-d.overflowDone():
		return true
	case <-time.After(timeout):
		d.overflowMu.Lock()
		n := d.overflow
		d.overflowMu.Unlock()
		slog.Warn("overflow jobs still running at shutdown", "running", n)
		return false
	}
}

// Serve implements suture.Service.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-d.jobs:
					d.execute(t)
				}
			}
		}()
	}

	<-ctx.Done()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	wg.Wait()
	d.drain()
	return ctx.Err()
}

// drain runs whatever is still queued and waits for overflow jobs, giving
// up after drainTimeout.
func (d *Dispatcher) drain() {
	deadline := time.Now().Add(d.drainTimeout)
	d.drainQueue(d.drainTimeout)
	d.waitOverflow(max(time.Until(deadline), 0))
}

func (d *Dispatcher) drainQueue(timeout time.Duration) {
	if len(d.jobs) == 0 {
		return
	}
	slog.Info("draining dispatch queue", "pending", len(d.jobs))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < d.workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case t := <-d.jobs:
						d.execute(t)
					default:
						return
					}
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("dispatch queue drain timed out", "remaining", len(d.jobs))
	}
}

func (d *Dispatcher) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchPanics.Inc()
			slog.ErrorContext(t.ctx, "dispatched job panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	metrics.DispatchQueueDepth.Set(float64(len(d.jobs)))
	d.handler.Process(t.ctx, t.job)
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// String implements fmt.Stringer for suture's logs.
func (d *Dispatcher) String() string {
	return "dispatcher"
}
