package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"envmonitor/logger"
	"envmonitor/normalizer"
	"envmonitor/target"
	"envmonitor/telemetry"
)

// ErrIncomplete is returned when a snapshot is requested before every
// target delivered a record.
var ErrIncomplete = errors.New("collection cycle is not complete")

// Cycle accounts the records of one collection run. Records are keyed by
// target, so a repeated delivery replaces the earlier one instead of being
// counted twice. Safe for concurrent use.
type Cycle struct {
	ID        string
	Instance  string
	StartedAt time.Time

	targets *target.Set

	mu          sync.Mutex
	records     map[target.Target]normalizer.Record
	faulted     map[target.Target]bool
	complete    bool
	completedAt time.Time
	done        chan struct{}
}

// NewCycle starts accounting for targets. A cycle over no targets is
// complete from the start.
func NewCycle(targets *target.Set, instance string) *Cycle {
	c := &Cycle{
		ID:        uuid.NewString(),
		Instance:  instance,
		StartedAt: time.Now(),
		targets:   targets,
		records:   make(map[target.Target]normalizer.Record, targets.Len()),
		faulted:   make(map[target.Target]bool),
		done:      make(chan struct{}),
	}
	if targets.Len() == 0 {
		c.finish()
	}
	return c
}

func (c *Cycle) finish() {
	c.complete = true
	c.completedAt = time.Now()
	close(c.done)
}

// Accept stores the record of t. It reports true exactly once, on the call
// that completes the cycle. Targets outside the cycle and arrivals after
// completion are ignored.
func (c *Cycle) Accept(t target.Target, rec normalizer.Record) bool {
	return c.accept(t, rec, false)
}

func (c *Cycle) accept(t target.Target, rec normalizer.Record, faulted bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.complete || !c.targets.Contains(t) {
		return false
	}
	c.records[t] = rec
	if faulted {
		c.faulted[t] = true
	} else {
		delete(c.faulted, t)
	}
	if len(c.records) == c.targets.Len() {
		c.finish()
		return true
	}
	return false
}

// Expected is the number of targets of the cycle.
func (c *Cycle) Expected() int { return c.targets.Len() }

// Received is the number of distinct targets with a record.
func (c *Cycle) Received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Complete reports whether every target has a record.
func (c *Cycle) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Done is closed when the cycle completes.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Snapshot returns the records in target order, or ErrIncomplete.
func (c *Cycle) Snapshot() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.complete {
		return nil, fmt.Errorf("%w: %d of %d targets", ErrIncomplete, len(c.records), c.targets.Len())
	}
	snap := &Snapshot{
		ID:          c.ID,
		Instance:    c.Instance,
		StartedAt:   c.StartedAt,
		CompletedAt: c.completedAt,
		Entries:     make([]Entry, 0, len(c.records)),
		Faulted:     len(c.faulted),
	}
	for _, t := range c.targets.Slice() {
		snap.Entries = append(snap.Entries, Entry{Target: t, Record: c.records[t]})
	}
	return snap, nil
}

// Collect runs one complete cycle: the scheduler streams a result per target
// while a single aggregator accepts them. It returns the snapshot once every
// target has a record, or the context error if the cycle was aborted.
func Collect(ctx context.Context, s *Scheduler, targets *target.Set) (*Snapshot, error) {
	cycle := NewCycle(targets, s.Instance)
	log := logger.WithCycle(s.Log, cycle.ID)
	log.Info("collection started", zap.Int("targets", cycle.Expected()), zap.Int("workers", s.Workers))
	telemetry.CycleTargets.Set(float64(cycle.Expected()))

	g, gctx := errgroup.WithContext(ctx)
	results := s.Run(gctx, targets)
	g.Go(func() error {
		for r := range results {
			if cycle.accept(r.Target, r.Record, r.Faulted()) {
				log.Info("collection complete", zap.Duration("took", time.Since(cycle.StartedAt)))
			}
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-cycle.Done():
			return nil
		case <-gctx.Done():
			log.Warn("collection aborted", zap.Int("received", cycle.Received()), zap.Int("expected", cycle.Expected()))
			return gctx.Err()
		}
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := cycle.Snapshot()
	if err != nil {
		return nil, err
	}
	log.Info("snapshot ready", zap.Int("records", len(snap.Entries)), zap.Int("faulted", snap.Faulted))
	return snap, nil
}
