package statistics

import (
	"sync"
	"sync/atomic"
	"time"
)

const dumpInterval = 5 * time.Second

// Recorder counts flow outcomes and aggregates rewrites per rule and host.
// Every method is safe on a nil *Recorder, which records nothing.
type Recorder struct {
	Rewrites *RewriteRecordList

	rewritten   atomic.Uint64
	passthrough atomic.Uint64
	dropped     atomic.Uint64

	startOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

type Totals struct {
	Flows       uint64 `json:"flows"`
	Rewritten   uint64 `json:"rewritten"`
	Passthrough uint64 `json:"passthrough"`
	Dropped     uint64 `json:"dropped_records"`
}

// NewRecorder dumps the rewrite table to dumpFile periodically. An empty
// dumpFile keeps the table in memory only.
func NewRecorder(dumpFile string) *Recorder {
	return &Recorder{
		Rewrites: NewRewriteRecordList(dumpFile),
	}
}

func (r *Recorder) Start() {
	if r == nil {
		return
	}
	r.startOnce.Do(func() {
		r.started.Store(true)
		r.Rewrites.Run(dumpInterval)
	})
}

func (r *Recorder) AddRecord(record *RewriteRecord) {
	if r == nil {
		return
	}
	r.rewritten.Add(1)
	// Without a running worker the table is updated in place.
	if !r.started.Load() || r.closed.Load() {
		r.Rewrites.Add(record)
		return
	}
	if !r.Rewrites.Enqueue(record) {
		r.dropped.Add(1)
	}
}

func (r *Recorder) AddPassthrough() {
	if r == nil {
		return
	}
	r.passthrough.Add(1)
}

func (r *Recorder) Totals() Totals {
	if r == nil {
		return Totals{}
	}
	rewritten, passthrough := r.rewritten.Load(), r.passthrough.Load()
	return Totals{
		Flows:       rewritten + passthrough,
		Rewritten:   rewritten,
		Passthrough: passthrough,
		Dropped:     r.dropped.Load(),
	}
}

func (r *Recorder) Snapshot() []RewriteRecord {
	if r == nil {
		return nil
	}
	return r.Rewrites.Snapshot()
}

// Close stops the worker; pending records are aggregated and dumped first.
// Records added afterwards still reach the table but are not dumped.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.started.Load() {
			r.Rewrites.Stop()
			return
		}
		r.Rewrites.Dump()
	})
}
