package collector

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"envmonitor/target"
)

// Per-target states.
const (
	StatePending   = "pending"
	StateInFlight  = "inflight"
	StateSucceeded = "succeeded"
	StateFaulted   = "faulted"
)

const (
	eventDispatch = "dispatch"
	eventSucceed  = "succeed"
	eventFault    = "fault"
)

// task tracks one target through pending -> inflight -> succeeded|faulted.
type task struct {
	target target.Target
	fsm    *fsm.FSM
}

func newTask(t target.Target, log *zap.Logger) *task {
	return &task{
		target: t,
		fsm: fsm.NewFSM(
			StatePending,
			fsm.Events{
				{Name: eventDispatch, Src: []string{StatePending}, Dst: StateInFlight},
				{Name: eventSucceed, Src: []string{StateInFlight}, Dst: StateSucceeded},
				{Name: eventFault, Src: []string{StateInFlight}, Dst: StateFaulted},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					log.Debug("target state changed",
						zap.Stringer("target", t), zap.String("from", e.Src), zap.String("to", e.Dst))
				},
			},
		),
	}
}

func (t *task) transition(ctx context.Context, event string) error {
	return t.fsm.Event(context.WithoutCancel(ctx), event)
}

func (t *task) state() string {
	return t.fsm.Current()
}
