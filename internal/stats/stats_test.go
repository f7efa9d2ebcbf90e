package stats

import (
	"sync"
	"testing"
)

func TestCountersConcurrent(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.AddPublished()
				c.AddReceived()
				c.AddDelivered()
			}
			c.AddRequeued()
			c.AddDeadLettered()
			c.AddRejected()
		}()
	}
	wg.Wait()

	got := c.Snapshot()
	want := Snapshot{
		Published: 1000, Received: 1000, Delivered: 1000,
		Requeued: 10, DeadLettered: 10, Rejected: 10,
	}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}
