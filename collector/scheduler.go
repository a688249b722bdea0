package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"envmonitor/logger"
	"envmonitor/metric"
	"envmonitor/normalizer"
	"envmonitor/target"
	"envmonitor/telemetry"
)

// Scheduler fans one fetch per target out to a fixed pool of workers.
type Scheduler struct {
	Fetcher  Fetcher
	Instance string
	// Workers is the pool size.
	Workers int
	// Timeout bounds every single fetch.
	Timeout time.Duration
	// Prefetch is how many tasks a worker may hold at once, the running one
	// included. With 1 a target is only handed to an idle worker.
	Prefetch int
	Log      *zap.Logger
}

// NewScheduler returns a scheduler with a prefetch of one.
func NewScheduler(f Fetcher, instance string, workers int, timeout time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		Fetcher:  f,
		Instance: instance,
		Workers:  workers,
		Timeout:  timeout,
		Prefetch: 1,
		Log:      log,
	}
}

// Run dispatches every target and streams one Result per target. The
// channel is closed when all targets are done or ctx is cancelled; after
// cancellation no further results are sent.
func (s *Scheduler) Run(ctx context.Context, targets *target.Set) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		_ = s.dispatch(ctx, targets, out)
	}()
	return out
}

// dispatch hands tasks to the least loaded worker, where load is the number
// of tasks a worker was given and has not finished yet. It returns when the
// workers have drained their queues.
func (s *Scheduler) dispatch(ctx context.Context, targets *target.Set, out chan<- Result) error {
	pending := targets.Slice()
	if len(pending) == 0 {
		return nil
	}
	workers := max(s.Workers, 1)
	prefetch := max(s.Prefetch, 1)

	inbox := make([]chan *task, workers)
	load := make([]int, workers)
	// Buffered for every task so a worker never blocks reporting back.
	done := make(chan int, len(pending))

	var wg sync.WaitGroup
	for i := range workers {
		inbox[i] = make(chan *task, prefetch)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id, inbox[id], done, out)
		}(i)
	}
	defer func() {
		for _, ch := range inbox {
			close(ch)
		}
		wg.Wait()
	}()

	for len(pending) > 0 {
		w := leastLoaded(load)
		if load[w] < prefetch {
			inbox[w] <- newTask(pending[0], s.Log)
			load[w]++
			pending = pending[1:]
			continue
		}
		select {
		case id := <-done:
			load[id]--
		case <-ctx.Done():
			s.Log.Warn("dispatch cancelled", zap.Int("undispatched", len(pending)))
			return ctx.Err()
		}
	}
	return nil
}

func leastLoaded(load []int) int {
	best := 0
	for i, l := range load {
		if l < load[best] {
			best = i
		}
	}
	return best
}

func (s *Scheduler) worker(ctx context.Context, id int, inbox <-chan *task, done chan<- int, out chan<- Result) {
	for t := range inbox {
		if ctx.Err() != nil {
			done <- id
			continue
		}
		res := s.execute(ctx, t)
		done <- id
		if ctx.Err() != nil {
			continue
		}
		select {
		case out <- res:
		case <-ctx.Done():
		}
	}
}

// execute runs one task to a terminal state. It never fails: fetch and
// decoding errors become fault records.
func (s *Scheduler) execute(ctx context.Context, t *task) Result {
	log := logger.WithTarget(s.Log, t.target)
	if err := t.transition(ctx, eventDispatch); err != nil {
		log.Error("unexpected state transition", zap.Error(err))
	}

	start := time.Now()
	resp, err := s.fetch(logger.WithContext(ctx, log), t.target)
	res := Result{Target: t.target, Duration: time.Since(start)}

	var rec normalizer.Record
	switch {
	case err != nil:
		res.Err = err
		rec = normalizer.FaultRecord(*metric.FaultFromError(err), t.target, s.Instance)
	case resp.IsFault():
		rec = normalizer.FaultRecord(*resp.Fault, t.target, s.Instance)
	default:
		rec, err = normalizer.Normalize(resp, t.target, s.Instance)
		if err != nil {
			res.Err = err
			rec = normalizer.FaultRecord(*metric.FaultFromError(err), t.target, s.Instance)
		}
	}
	res.Record = rec

	event := eventSucceed
	if res.Err != nil || resp.IsFault() {
		event = eventFault
		log.Warn("target faulted", zap.Any("error", rec[normalizer.FieldError]), zap.Duration("took", res.Duration))
	} else {
		log.Debug("target collected", zap.Duration("took", res.Duration))
	}
	if err := t.transition(ctx, event); err != nil {
		log.Error("unexpected state transition", zap.Error(err))
	}
	res.State = t.state()
	telemetry.ObserveFetch(res.State, res.Duration)
	return res
}

// fetch calls the fetcher under the per-fetch timeout. A fetcher that
// ignores its context is abandoned when the timeout fires.
func (s *Scheduler) fetch(ctx context.Context, t target.Target) (*metric.Response, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	type answer struct {
		resp *metric.Response
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		resp, err := s.Fetcher.Fetch(ctx, t)
		ch <- answer{resp, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			var fe *FetchError
			var me *metric.FormatError
			if !errors.As(a.err, &fe) && !errors.As(a.err, &me) {
				a.err = &FetchError{Target: t, Err: a.err}
			}
			return nil, a.err
		}
		if a.resp == nil {
			return nil, &metric.FormatError{Reason: "empty response"}
		}
		return a.resp, nil
	case <-ctx.Done():
		return nil, &FetchError{Target: t, Err: ctx.Err()}
	}
}
