package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamax/ollamax/store"
)

func TestDispatchRunsJobs(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Dispatch(context.Background(), "http://backend-1", func() {
				ran.Add(1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), ran.Load())
	assert.Equal(t, 0, d.QueueDepth("http://backend-1"))
}

func TestDispatchConcurrencyCap(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), "http://backend-1", func() {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
			})
		}()
	}

	start := time.Now()
	wg.Wait()
	elapsed := time.Since(start)

	assert.LessOrEqual(t, peak.Load(), int32(QueueLimit))
	// 100 jobs of 20ms through 20 slots need at least 5 batches
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestDispatchCancelledWhileQueued(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	release := make(chan struct{})
	var started sync.WaitGroup
	// saturate all slots
	for i := 0; i < QueueLimit; i++ {
		started.Add(1)
		go d.Dispatch(context.Background(), "http://backend-1", func() {
			started.Done()
			<-release
		})
	}
	started.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- d.Dispatch(ctx, "http://backend-1", func() { ran.Store(true) })
	}()

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	// give the consumer a chance to reach the cancelled task
	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "cancelled job must not run")
}

func TestDispatchWaitsForStartedJob(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	finished := make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		errc <- d.Dispatch(ctx, "http://backend-1", func() {
			close(started)
			time.Sleep(150 * time.Millisecond)
			close(finished)
		})
	}()

	<-started
	cancel()

	err := <-errc
	require.ErrorIs(t, err, context.Canceled)

	// cancelling mid-run must not let Dispatch return before the job did
	select {
	case <-finished:
	default:
		t.Fatal("Dispatch returned while the job was still running")
	}
}

func TestSelectServerLeastLoaded(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	busy := &store.Server{ID: "s1", URL: "http://busy"}
	idle := &store.Server{ID: "s2", URL: "http://idle"}

	release := make(chan struct{})
	var started sync.WaitGroup
	for i := 0; i < 3; i++ {
		started.Add(1)
		go d.Dispatch(context.Background(), busy.URL, func() {
			started.Done()
			<-release
		})
	}
	started.Wait()

	assert.Equal(t, idle, d.SelectServer([]*store.Server{busy, idle}))
	close(release)
}

func TestSelectServerTieBreaksFirst(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	a := &store.Server{ID: "s1", URL: "http://a"}
	b := &store.Server{ID: "s2", URL: "http://b"}

	assert.Equal(t, a, d.SelectServer([]*store.Server{a, b}))
	assert.Nil(t, d.SelectServer(nil))
}

func TestRemoveReleasesQueued(t *testing.T) {
	d := NewDispatcher()

	release := make(chan struct{})
	var started sync.WaitGroup
	for i := 0; i < QueueLimit; i++ {
		started.Add(1)
		go d.Dispatch(context.Background(), "http://gone", func() {
			started.Done()
			<-release
		})
	}
	started.Wait()

	errc := make(chan error, 1)
	go func() {
		errc <- d.Dispatch(context.Background(), "http://gone", func() {})
	}()
	// let the task reach the queue
	time.Sleep(20 * time.Millisecond)

	d.Remove("http://gone")
	close(release)

	select {
	case <-errc:
	case <-time.After(time.Second):
		t.Fatal("queued task not released on Remove")
	}
}
