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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func serving(t *testing.T, d *Dispatcher) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Serve(ctx) }()
	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return d.running
	}, time.Second, 5*time.Millisecond)
	return cancel, errCh
}

func TestDispatcherRunsJobsDetachedFromRequest(t *testing.T) {
	type seen struct {
		err   error
		value any
	}
	results := make(chan seen, 1)
	d := NewDispatcher(JobFunc(func(ctx context.Context, _ Job) {
		results <- seen{err: ctx.Err(), value: ctx.Value(ctxKey{})}
	}), DispatcherConfig{Workers: 2, QueueSize: 4})
	cancel, errCh := serving(t, d)
	defer cancel()

	reqCtx, reqCancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "req-1"))
	d.Submit(reqCtx, Job{})
	reqCancel()

	select {
	case s := <-results:
		assert.NoError(t, s.err)
		assert.Equal(t, "req-1", s.value)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestDispatcherRunsJobsWhenNotServing(t *testing.T) {
	var ran atomic.Int32
	d := NewDispatcher(JobFunc(func(context.Context, Job) { ran.Add(1) }), DispatcherConfig{})

	d.Submit(context.Background(), Job{})

	assert.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.Pending())
}

func TestDispatcherOverflowDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	var ran atomic.Int32
	d := NewDispatcher(JobFunc(func(context.Context, Job) {
		<-release
		ran.Add(1)
	}), DispatcherConfig{Workers: 1, QueueSize: 1})
	cancel, errCh := serving(t, d)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Submit(context.Background(), Job{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	close(release)
	assert.Eventually(t, func() bool { return ran.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-errCh
}

func TestDispatcherSurvivesPanics(t *testing.T) {
	var mu sync.Mutex
	var order []string
	d := NewDispatcher(JobFunc(func(_ context.Context, job Job) {
		if job.EventType == "boom" {
			panic("boom")
		}
		mu.Lock()
		order = append(order, job.EventType)
		mu.Unlock()
	}), DispatcherConfig{Workers: 1, QueueSize: 4})
	cancel, errCh := serving(t, d)
	defer func() {
		cancel()
		<-errCh
	}()

	d.Submit(context.Background(), Job{EventType: "boom"})
	d.Submit(context.Background(), Job{EventType: "after"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1 && order[0] == "after"
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherDrainsOnShutdown(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var ran atomic.Int32
	d := NewDispatcher(JobFunc(func(context.Context, Job) {
		select {
		case started <- struct{}{}:
			<-release
		default:
		}
		ran.Add(1)
	}), DispatcherConfig{Workers: 1, QueueSize: 8, DrainTimeout: 2 * time.Second})
	cancel, errCh := serving(t, d)

	d.Submit(context.Background(), Job{})
	<-started
	d.Submit(context.Background(), Job{})
	d.Submit(context.Background(), Job{})

	cancel()
	close(release)

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.EqualValues(t, 3, ran.Load())
	assert.Zero(t, d.Pending())
}

func TestDispatcherServeWaitsForOverflowJobs(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var ran atomic.Int32
	d := NewDispatcher(JobFunc(func(context.Context, Job) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		ran.Add(1)
	}), DispatcherConfig{Workers: 1, QueueSize: 1, DrainTimeout: 2 * time.Second})
	cancel, errCh := serving(t, d)

	d.Submit(context.Background(), Job{})
	<-started
	d.Submit(context.Background(), Job{}) // queued
	d.Submit(context.Background(), Job{}) // overflow

	cancel()
	time.AfterFunc(50*time.Millisecond, func() { close(release) })

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.EqualValues(t, 3, ran.Load(), "Serve returned before every accepted job finished")
}

func TestDispatcherWaitCoversLateSubmits(t *testing.T) {
	release := make(chan struct{})
	var ran atomic.Int32
	d := NewDispatcher(JobFunc(func(context.Context, Job) {
		<-release
		ran.Add(1)
	}), DispatcherConfig{Workers: 1, QueueSize: 1, DrainTimeout: time.Second})
	cancel, errCh := serving(t, d)
	cancel()
	<-errCh

	// A request still in flight after the pool stopped.
	d.Submit(context.Background(), Job{})
	assert.False(t, d.Wait(20*time.Millisecond), "Wait must time out while the job runs")

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	assert.True(t, d.Wait(2*time.Second))
	assert.EqualValues(t, 1, ran.Load())
	assert.True(t, d.Wait(time.Millisecond), "Wait with nothing running returns at once")
}
