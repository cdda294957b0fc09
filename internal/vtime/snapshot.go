package vtime

// TimerSnapshot captures one pending timer's schedule, not its callback:
// a Callback is a Go closure and isn't serializable. A caller restoring a
// Scheduler snapshot is expected to re-arm each timer's callback itself
// (the owning device knows which callback belongs to which ID) and can use
// the saved Expiry/Interval to do so at the right time.
type TimerSnapshot struct {
	ID       ID
	Expiry   uint64
	Interval uint64
}

// SchedulerSnapshot captures every pending timer's schedule and the next ID
// the scheduler would assign, so IDs assigned after a restore don't collide
// with ones saved in the snapshot.
type SchedulerSnapshot struct {
	Timers []TimerSnapshot
	NextID ID
}

// CaptureSnapshot returns the scheduler's pending timer schedule.
func (s *Scheduler) CaptureSnapshot() *SchedulerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &SchedulerSnapshot{NextID: s.nextID + 1}
	for _, e := range s.queue {
		snap.Timers = append(snap.Timers, TimerSnapshot{ID: e.id, Expiry: e.expiry, Interval: e.interval})
	}
	return snap
}

// NextIDHint reports the ID counter saved in a snapshot, for a caller that
// wants to resume ID allocation without collisions after a restore that
// re-arms timers through AddOneshot/AddCyclic rather than through this
// package directly.
func (snap *SchedulerSnapshot) NextIDHint() ID { return snap.NextID }
