// Package stats tracks bridge runtime counters.
package stats

import "sync/atomic"

// Counters are cumulative process-lifetime counts. All methods are safe
// for concurrent use.
type Counters struct {
	published    atomic.Int64
	received     atomic.Int64
	delivered    atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
	rejected     atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Published    int64 `json:"published"`
	Received     int64 `json:"received"`
	Delivered    int64 `json:"delivered"`
	Requeued     int64 `json:"requeued"`
	DeadLettered int64 `json:"dead_lettered"`
	Rejected     int64 `json:"rejected"`
}

func (c *Counters) AddPublished()    { c.published.Add(1) }
func (c *Counters) AddReceived()     { c.received.Add(1) }
func (c *Counters) AddDelivered()    { c.delivered.Add(1) }
func (c *Counters) AddRequeued()     { c.requeued.Add(1) }
func (c *Counters) AddDeadLettered() { c.deadLettered.Add(1) }
func (c *Counters) AddRejected()     { c.rejected.Add(1) }

// Snapshot returns the current counts.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Published:    c.published.Load(),
		Received:     c.received.Load(),
		Delivered:    c.delivered.Load(),
		Requeued:     c.requeued.Load(),
		DeadLettered: c.deadLettered.Load(),
		Rejected:     c.rejected.Load(),
	}
}
