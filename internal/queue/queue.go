// Package queue holds tracked events in emission order until they are delivered.
package queue

import (
	"sync"

	"github.com/vincentbai/pagebeacon/internal/models"
)

type entry struct {
	seq   uint64
	event models.Event
}

// Snapshot is an ordered batch removed from the queue by Drain.
type Snapshot struct {
	entries []entry
}

// Events returns the drained events in enqueue order.
func (s Snapshot) Events() []models.Event {
	events := make([]models.Event, len(s.entries))
	for i, e := range s.entries {
		events[i] = e.event
	}
	return events
}

func (s Snapshot) Len() int { return len(s.entries) }

// Queue is an unbounded FIFO of events. Every event gets a sequence number
// on Enqueue so a requeued batch goes back exactly where it came from.
type Queue struct {
	mu      sync.Mutex
	entries []entry
	nextSeq uint64
}

func New() *Queue {
	return &Queue{}
}

// Enqueue appends event to the tail and returns the new queue length.
func (q *Queue) Enqueue(event models.Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	q.entries = append(q.entries, entry{seq: q.nextSeq, event: event})
	return len(q.entries)
}

// Drain removes and returns everything currently queued.
func (q *Queue) Drain() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := Snapshot{entries: q.entries}
	q.entries = nil
	return snapshot
}

// RequeueFront puts a previously drained snapshot back. Entries are merged
// by sequence, so the snapshot lands ahead of anything enqueued after it was
// drained and keeps its place relative to other requeued snapshots.
func (q *Queue) RequeueFront(snapshot Snapshot) {
	if snapshot.Len() == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]entry, 0, len(q.entries)+len(snapshot.entries))
	a, b := snapshot.entries, q.entries
	for len(a) > 0 && len(b) > 0 {
		if a[0].seq < b[0].seq {
			merged = append(merged, a[0])
			a = a[1:]
		} else {
			merged = append(merged, b[0])
			b = b[1:]
		}
	}
	merged = append(merged, a...)
	merged = append(merged, b...)
	q.entries = merged
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Events returns a copy of the queued events without removing them.
func (q *Queue) Events() []models.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := make([]models.Event, len(q.entries))
	for i, e := range q.entries {
		events[i] = e.event
	}
	return events
}
