// Package timerserv implements the delayed-wakeup service behind
// SYS_USLEEP and time_stamp: a min-heap of pending wakeups ordered by
// expiry tick, drained on every timer interrupt. A heap gives
// O(log n) per insert/expire instead of a linear scan over a list of
// pending entries, which matters once many threads sleep at once.
package timerserv

import (
	"container/heap"
	"sync"

	"sos/defs"
)

// entry is one pending wakeup.
type entry struct {
	expiry uint64
	tid    defs.Tid_t
	index  int
}

type pq []*entry

func (q pq) Len() int            { return len(q) }
func (q pq) Less(i, j int) bool  { return q[i].expiry < q[j].expiry }
func (q pq) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *pq) Push(x interface{}) { e := x.(*entry); e.index = len(*q); *q = append(*q, e) }
func (q *pq) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// Service is the delay queue plus a microsecond-to-tick conversion.
type Service struct {
	mu        sync.Mutex
	q         pq
	usPerTick uint64
}

// New builds a timer service where one tick represents usPerTick
// microseconds of elapsed time.
func New(usPerTick uint64) *Service {
	return &Service{usPerTick: usPerTick}
}

// Register schedules tid to be woken after delayUS microseconds have
// elapsed from now (measured in ticks).
func (s *Service) Register(now uint64, delayUS uint64, tid defs.Tid_t) {
	ticks := delayUS / s.usPerTick
	s.mu.Lock()
	heap.Push(&s.q, &entry{expiry: now + ticks, tid: tid})
	s.mu.Unlock()
}

// Expire pops every entry whose expiry has passed as of now and returns
// the threads to wake.
func (s *Service) Expire(now uint64) []defs.Tid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	var woken []defs.Tid_t
	for len(s.q) > 0 && s.q[0].expiry <= now {
		e := heap.Pop(&s.q).(*entry)
		woken = append(woken, e.tid)
	}
	return woken
}

// Pending reports how many wakeups are still outstanding.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.q)
}
