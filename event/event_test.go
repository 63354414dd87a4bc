package event

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testEvent struct {
	N int
}

func (testEvent) Type() uint32 { return 0x01 }

type otherEvent struct{}

func (otherEvent) Type() uint32 { return 0x02 }

func TestPublishSubscribe(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var got atomic.Int64
	cancel := Subscribe(d, func(ev testEvent) {
		got.Add(int64(ev.N))
	})
	defer cancel()

	for i := 1; i <= 10; i++ {
		Publish(d, testEvent{N: i})
	}

	assert.Eventually(t, func() bool {
		return got.Load() == 55
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriberOnlySeesItsType(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var count atomic.Int64
	cancel := Subscribe(d, func(testEvent) {
		count.Add(1)
	})
	defer cancel()

	Publish(d, otherEvent{})
	Publish(d, testEvent{N: 1})

	assert.Eventually(t, func() bool {
		return count.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancelStopsDelivery(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var count atomic.Int64
	cancel := Subscribe(d, func(testEvent) {
		count.Add(1)
	})

	Publish(d, testEvent{N: 1})
	assert.Eventually(t, func() bool {
		return count.Load() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	Publish(d, testEvent{N: 2})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	d := NewDispatcherConfig(1)
	defer d.Close()

	block := make(chan struct{})
	cancel := Subscribe(d, func(testEvent) {
		<-block
	})
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			Publish(d, testEvent{N: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	close(block)
}

func TestPublishAfterClose(t *testing.T) {
	d := NewDispatcher()
	Subscribe(d, func(testEvent) {})
	assert.NoError(t, d.Close())

	// must not panic
	Publish(d, testEvent{N: 1})
}
