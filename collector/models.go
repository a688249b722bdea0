package collector

import (
	"time"

	"envmonitor/normalizer"
	"envmonitor/target"
)

// Result is the outcome of one target in a cycle. Record is always set,
// for faulted targets it carries the error field.
type Result struct {
	Target   target.Target
	State    string // StateSucceeded or StateFaulted
	Record   normalizer.Record
	Err      error // cause of a fault that did not come from the target
	Duration time.Duration
}

// Faulted reports whether the target ended in the faulted state.
func (r Result) Faulted() bool { return r.State == StateFaulted }

// Entry pairs a target with its record in a snapshot.
type Entry struct {
	Target target.Target
	Record normalizer.Record
}

// Snapshot is the result of a complete collection cycle: one record per
// resolved target.
type Snapshot struct {
	ID          string
	Instance    string
	StartedAt   time.Time
	CompletedAt time.Time
	Entries     []Entry
	Faulted     int
}

// Records returns the records in entry order.
func (s *Snapshot) Records() []normalizer.Record {
	out := make([]normalizer.Record, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.Record)
	}
	return out
}
