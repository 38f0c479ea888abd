package automation

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"homehub/internal/models"
	"homehub/internal/state"
)

// StateApplier is the synchronization hub entry point.
type StateApplier interface {
	ApplyStateChange(ctx context.Context, deviceID string, proposed any, origin models.Origin, actorID string) (models.StateUpdate, error)
}

// Executor turns task actions into hub state changes tagged with the
// scheduler origin and the task owner as actor.
type Executor struct {
	hub    StateApplier
	logger *zap.Logger
}

func NewExecutor(hub StateApplier, logger *zap.Logger) *Executor {
	return &Executor{hub: hub, logger: logger}
}

func (e *Executor) Execute(ctx context.Context, task *models.Task) error {
	if task.Action.Action == nil {
		return errors.New("task has no action")
	}
	return task.Action.Accept(actionRun{ctx: ctx, e: e, task: task})
}

type actionRun struct {
	ctx  context.Context
	e    *Executor
	task *models.Task
}

func (r actionRun) VisitStatusChange(a models.StatusChange) error {
	return r.apply(a.Value)
}

func (r actionRun) VisitNumericSet(a models.NumericSet) error {
	return r.apply(state.Level(a.Value))
}

func (r actionRun) VisitOther(a models.OtherAction) error {
	return r.apply(a.Value)
}

func (r actionRun) apply(value any) error {
	u, err := r.e.hub.ApplyStateChange(r.ctx, r.task.DeviceID, value, models.OriginScheduler, r.task.OwnerID)
	if err != nil {
		return err
	}
	r.e.logger.Debug("task action applied",
		zap.String("task_id", r.task.ID),
		zap.String("device_id", u.DeviceID),
		zap.String("state", u.State))
	return nil
}
