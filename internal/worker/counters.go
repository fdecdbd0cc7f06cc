package worker

import "sync/atomic"

// Counters tracks per-process outcomes. Safe for concurrent use.
type Counters struct {
	Processed uint64
	Succeeded uint64
	Failed    uint64
	Retried   uint64
	Skipped   uint64
}

func (c *Counters) IncProcessed() { atomic.AddUint64(&c.Processed, 1) }
func (c *Counters) IncSucceeded() { atomic.AddUint64(&c.Succeeded, 1) }
func (c *Counters) IncFailed()    { atomic.AddUint64(&c.Failed, 1) }
func (c *Counters) IncRetried()   { atomic.AddUint64(&c.Retried, 1) }
func (c *Counters) IncSkipped()   { atomic.AddUint64(&c.Skipped, 1) }

// Snapshot is a point-in-time copy of Counters
type Snapshot struct {
	Processed uint64 `json:"processed"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Skipped   uint64 `json:"skipped"`
}

// Snapshot reads every counter atomically, one at a time
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Processed: atomic.LoadUint64(&c.Processed),
		Succeeded: atomic.LoadUint64(&c.Succeeded),
		Failed:    atomic.LoadUint64(&c.Failed),
		Retried:   atomic.LoadUint64(&c.Retried),
		Skipped:   atomic.LoadUint64(&c.Skipped),
	}
}

// Sub returns the change from an earlier snapshot
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	return Snapshot{
		Processed: s.Processed - prev.Processed,
		Succeeded: s.Succeeded - prev.Succeeded,
		Failed:    s.Failed - prev.Failed,
		Retried:   s.Retried - prev.Retried,
		Skipped:   s.Skipped - prev.Skipped,
	}
}

// IsZero reports whether nothing happened
func (s Snapshot) IsZero() bool {
	return s == Snapshot{}
}
