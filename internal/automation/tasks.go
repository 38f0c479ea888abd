package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homehub/internal/hub"
	"homehub/internal/models"
	"homehub/internal/scheduler"
	"homehub/internal/store"
)

// TaskScheduler arms and disarms task timers. Exclusive keeps executions of
// the task out while fn runs.
type TaskScheduler interface {
	ScheduleTask(task *models.Task) bool
	Unschedule(taskID string)
	Exclusive(ctx context.Context, taskID string, fn func() error) error
}

// Service handles owner-initiated task operations. The scheduler owns
// status, nextExecution and history during execution; the service only
// touches them when an edit forces a recomputation.
type Service struct {
	tasks     store.TaskRepository
	devices   store.DeviceRepository
	scheduler TaskScheduler
	validator *Validator
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(tasks store.TaskRepository, devices store.DeviceRepository, sched TaskScheduler, validator *Validator, logger *zap.Logger) *Service {
	return &Service{
		tasks:     tasks,
		devices:   devices,
		scheduler: sched,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// Create validates raw, persists an active task and arms it.
func (s *Service) Create(ctx context.Context, ownerID string, raw []byte) (*models.Task, error) {
	in, err := s.validator.Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := s.checkDevice(ctx, ownerID, in.DeviceID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	task := &models.Task{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Status:    models.TaskActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	apply(task, in)

	next, err := scheduler.NextExecution(task, now)
	if err != nil {
		return nil, &ValidationError{Field: "schedule", Reason: err.Error()}
	}
	if next == nil {
		return nil, &ValidationError{Field: "schedule", Reason: "schedule has no future occurrence"}
	}
	task.NextExecution = next

	if err := s.tasks.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	s.scheduler.ScheduleTask(task)
	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("device_id", task.DeviceID),
		zap.Time("next_execution", *task.NextExecution))
	return task, nil
}

// Update merges the top-level fields of patch into the task, validates the
// result and recomputes nextExecution immediately. Cancelled tasks stay
// cancelled; any other task becomes active again, or completed when the
// edited schedule has no future occurrence.
func (s *Service) Update(ctx context.Context, ownerID, taskID string, patch []byte) (*models.Task, error) {
	var task *models.Task
	err := s.scheduler.Exclusive(ctx, taskID, func() (err error) {
		task, err = s.update(ctx, ownerID, taskID, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task updated", zap.String("task_id", task.ID), zap.String("status", string(task.Status)))
	return task, nil
}

func (s *Service) update(ctx context.Context, ownerID, taskID string, patch []byte) (*models.Task, error) {
	task, err := s.owned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	merged, err := mergeInput(inputOf(task), patch)
	if err != nil {
		return nil, err
	}
	in, err := s.validator.Decode(merged)
	if err != nil {
		return nil, err
	}
	if in.DeviceID != task.DeviceID {
		if err := s.checkDevice(ctx, ownerID, in.DeviceID); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	apply(task, in)
	task.UpdatedAt = now
	if task.Status != models.TaskCancelled {
		next, err := scheduler.NextExecution(task, now)
		if err != nil {
			return nil, &ValidationError{Field: "schedule", Reason: err.Error()}
		}
		task.NextExecution = next
		task.Status = models.TaskActive
		if next == nil {
			task.Status = models.TaskCompleted
		}
	}

	if err := s.tasks.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	s.scheduler.ScheduleTask(task)
	return task, nil
}

// Cancel stops future executions but keeps the task and its history. An
// execution already in progress finishes first and is kept in the history.
func (s *Service) Cancel(ctx context.Context, ownerID, taskID string) (*models.Task, error) {
	var task *models.Task
	err := s.scheduler.Exclusive(ctx, taskID, func() (err error) {
		task, err = s.owned(ctx, ownerID, taskID)
		if err != nil {
			return err
		}
		s.scheduler.Unschedule(task.ID)
		task.Status = models.TaskCancelled
		task.NextExecution = nil
		task.UpdatedAt = s.now().UTC()
		if err := s.tasks.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task cancelled", zap.String("task_id", task.ID))
	return task, nil
}

func (s *Service) Delete(ctx context.Context, ownerID, taskID string) error {
	err := s.scheduler.Exclusive(ctx, taskID, func() error {
		if _, err := s.owned(ctx, ownerID, taskID); err != nil {
			return err
		}
		s.scheduler.Unschedule(taskID)
		if err := s.tasks.DeleteTask(ctx, taskID); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("task deleted", zap.String("task_id", taskID))
	return nil
}

func (s *Service) Get(ctx context.Context, ownerID, taskID string) (*models.Task, error) {
	return s.owned(ctx, ownerID, taskID)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]models.Task, error) {
	return s.tasks.ListTasksByOwner(ctx, ownerID)
}

func (s *Service) owned(ctx context.Context, ownerID, taskID string) (*models.Task, error) {
	task, err := s.tasks.FindTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}
	if task.OwnerID != ownerID {
		return nil, hub.ErrForbidden
	}
	return task, nil
}

func (s *Service) checkDevice(ctx context.Context, ownerID, deviceID string) error {
	d, err := s.devices.FindDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("device %s: %w", deviceID, err)
	}
	if !d.CanBeControlledBy(ownerID) {
		return hub.ErrForbidden
	}
	return nil
}

func apply(task *models.Task, in *TaskInput) {
	task.Name = in.Name
	task.DeviceID = in.DeviceID
	task.Timezone = in.Timezone
	task.Action = in.Action
	task.Schedule = in.Schedule
	task.Conditions = in.Conditions
	task.Notifications = in.Notifications
}

func mergeInput(base TaskInput, patch []byte) ([]byte, error) {
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	current, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(current, &doc); err != nil {
		return nil, err
	}
	for k, v := range changes {
		doc[k] = v
	}
	return json.Marshal(doc)
}
