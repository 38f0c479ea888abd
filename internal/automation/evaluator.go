package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homehub/internal/models"
)

// StateReader returns a device's current canonical state.
type StateReader interface {
	CurrentState(ctx context.Context, deviceID string) (string, error)
}

// Evaluator checks a task's guard conditions. All conditions must hold; an
// empty list always holds. Unknown operators and unreadable devices count as
// not met.
type Evaluator struct {
	states StateReader
	logger *zap.Logger
}

func NewEvaluator(states StateReader, logger *zap.Logger) *Evaluator {
	return &Evaluator{states: states, logger: logger}
}

func (e *Evaluator) Evaluate(ctx context.Context, task *models.Task, now time.Time) (bool, string) {
	if len(task.Conditions) == 0 {
		return true, ""
	}
	loc, err := task.Location()
	if err != nil {
		return false, fmt.Sprintf("invalid timezone %q", task.Timezone)
	}
	local := now.In(loc)
	for i, c := range task.Conditions {
		if c.Condition == nil {
			return false, fmt.Sprintf("condition %d is empty", i)
		}
		check := &conditionCheck{ctx: ctx, e: e, taskID: task.ID, local: local}
		if !c.Accept(check) {
			reason := fmt.Sprintf("condition %d (%s) not met", i, c.Type())
			if check.detail != "" {
				reason += ": " + check.detail
			}
			return false, reason
		}
	}
	return true, ""
}

type conditionCheck struct {
	ctx    context.Context
	e      *Evaluator
	taskID string
	local  time.Time
	detail string
}

func (c *conditionCheck) VisitSensorValue(cond models.SensorValue) bool {
	return c.device(cond.DeviceID, cond.Comparison)
}

func (c *conditionCheck) VisitDeviceStatus(cond models.DeviceStatus) bool {
	return c.device(cond.DeviceID, cond.Comparison)
}

func (c *conditionCheck) device(deviceID string, cmp models.Comparison) bool {
	current, err := c.e.states.CurrentState(c.ctx, deviceID)
	if err != nil {
		c.detail = fmt.Sprintf("device %s unreadable: %v", deviceID, err)
		return false
	}
	if !compareState(current, cmp) {
		c.detail = fmt.Sprintf("device %s is %q", deviceID, current)
		return false
	}
	return true
}

func (c *conditionCheck) VisitTimeWindow(cond models.TimeWindow) bool {
	minutes := c.local.Hour()*60 + c.local.Minute()
	if !compareClock(minutes, cond.Comparison) {
		c.detail = "local time " + c.local.Format("15:04")
		return false
	}
	return true
}

// VisitUserPresence always holds: presence detection is not implemented.
func (c *conditionCheck) VisitUserPresence(cond models.UserPresence) bool {
	c.e.logger.Debug("user_presence condition is not implemented, treating as met",
		zap.String("task_id", c.taskID), zap.String("user_id", cond.UserID))
	return true
}
