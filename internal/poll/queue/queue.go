// Package queue holds the pending jobs of one circuit.
//
// A Queue keeps at most one job per key, ordered by readiness, and enforces a
// minimum spacing between two successful polls. It does no timing of its own;
// the dispatcher decides when to ask.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"circuitpoll/internal/poll/job"
)

type InsertResult int

const (
	Added InsertResult = iota
	Replaced
	Ignored
)

func (r InsertResult) String() string {
	switch r {
	case Added:
		return "added"
	case Replaced:
		return "replaced"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

type Queue struct {
	mu          sync.Mutex
	minInterval time.Duration
	h           entryHeap
	index       map[job.Key]*entry
	seq         uint64
	nextAllowed time.Time
}

func New(minInterval time.Duration) *Queue {
	return &Queue{
		minInterval: minInterval,
		index:       make(map[job.Key]*entry),
	}
}

// Insert adds j, or replaces the resident job with the same key when j is
// strictly more urgent. A resident job that is as urgent or more wins and j
// is dropped.
func (q *Queue) Insert(j job.Job) InsertResult {
	if j == nil {
		return Ignored
	}
	return q.InsertAt(j, j.ReadinessTimestamp())
}

// InsertAt is Insert with the readiness supplied by the caller. j's readiness
// timestamp is only written when the queue accepts it, so an ignored
// resubmission leaves the resident job untouched.
func (q *Queue) InsertAt(j job.Job, at time.Time) InsertResult {
	if j == nil {
		return Ignored
	}
	key := j.Key()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	if cur, ok := q.index[key]; ok {
		if !at.Before(cur.at) {
			return Ignored
		}
		j.SetReadinessTimestamp(at)
		cur.job = j
		cur.at = at
		cur.seq = q.seq
		heap.Fix(&q.h, cur.index)
		return Replaced
	}
	j.SetReadinessTimestamp(at)
	e := &entry{job: j, at: at, seq: q.seq}
	heap.Push(&q.h, e)
	q.index[key] = e
	return Added
}

// PollReady pops the most urgent job if the rate gate is open and that job is
// due at now. A successful poll closes the gate for minInterval.
func (q *Queue) PollReady(now time.Time) job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.canPollLocked(now) {
		return nil
	}
	e := heap.Pop(&q.h).(*entry)
	delete(q.index, e.job.Key())
	q.nextAllowed = now.Add(q.minInterval)
	return e.job
}

func (q *Queue) CanPoll(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canPollLocked(now)
}

func (q *Queue) canPollLocked(now time.Time) bool {
	if len(q.h) == 0 {
		return false
	}
	if now.Before(q.nextAllowed) {
		return false
	}
	return !q.h[0].at.After(now)
}

// PeekNextWake reports how long until PollReady could return a job: the
// later of the rate gate reopening and the head becoming due. ok is false
// when the queue is empty.
func (q *Queue) PeekNextWake(now time.Time) (wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return 0, false
	}
	if d := q.nextAllowed.Sub(now); d > wait {
		wait = d
	}
	if d := q.h[0].at.Sub(now); d > wait {
		wait = d
	}
	return wait, true
}

// RemoveJobsForDevice drops every pending job of device and returns how many
// were removed.
func (q *Queue) RemoveJobsForDevice(device job.DeviceID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for key, e := range q.index {
		if key.Device != device {
			continue
		}
		heap.Remove(&q.h, e.index)
		delete(q.index, key)
		n++
	}
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

func (q *Queue) IsEmpty() bool { return q.Len() == 0 }

func (q *Queue) NextAllowed() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextAllowed
}

// SetMinInterval changes the spacing applied from the next successful poll.
func (q *Queue) SetMinInterval(d time.Duration) {
	q.mu.Lock()
	q.minInterval = d
	q.mu.Unlock()
}

// Keys returns the pending keys in dispatch order.
func (q *Queue) Keys() []job.Key {
	q.mu.Lock()
	h := make(entryHeap, len(q.h))
	for i, e := range q.h {
		c := *e
		h[i] = &c
	}
	q.mu.Unlock()

	out := make([]job.Key, 0, len(h))
	for h.Len() > 0 {
		out = append(out, heap.Pop(&h).(*entry).job.Key())
	}
	return out
}
