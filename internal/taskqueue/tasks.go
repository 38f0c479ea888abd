// Package taskqueue delivers task notifications as retried background jobs.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"homehub/internal/models"
)

const (
	TypeTaskUpcoming = "task:upcoming"
	TypeTaskFailed   = "task:failed"
)

// Deliverer hands a notification to its final destinations.
type Deliverer interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// UpcomingNotification describes the execution a lead-time notice announces.
func UpcomingNotification(task models.Task) models.Notification {
	n := models.Notification{
		Kind:       models.NotifyUpcoming,
		TaskID:     task.ID,
		TaskName:   task.Name,
		DeviceID:   task.DeviceID,
		OwnerID:    task.OwnerID,
		Recipients: task.Notifications.Recipients,
	}
	if task.NextExecution != nil {
		n.At = *task.NextExecution
		n.Message = fmt.Sprintf("Task %q runs at %s", task.Name, formatLocal(task, *task.NextExecution))
	}
	return n
}

// FailureNotification turns a failed task event into a notification.
func FailureNotification(ev models.TaskEvent) models.Notification {
	return models.Notification{
		Kind:       models.NotifyFailure,
		TaskID:     ev.TaskID,
		TaskName:   ev.TaskName,
		DeviceID:   ev.DeviceID,
		OwnerID:    ev.OwnerID,
		Recipients: ev.Recipients,
		Message:    fmt.Sprintf("Task %q failed: %s", ev.TaskName, ev.Message),
		At:         ev.Timestamp,
	}
}

func formatLocal(task models.Task, at time.Time) string {
	loc, err := task.Location()
	if err != nil {
		loc = time.UTC
	}
	return at.In(loc).Format("2006-01-02 15:04 MST")
}

func taskType(kind models.NotificationKind) string {
	if kind == models.NotifyFailure {
		return TypeTaskFailed
	}
	return TypeTaskUpcoming
}

// Queue enqueues notifications on asynq.
type Queue struct {
	client *asynq.Client
	logger *zap.Logger
}

func NewQueue(redisAddr string, logger *zap.Logger) *Queue {
	return &Queue{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		logger: logger,
	}
}

func (q *Queue) NotifyUpcoming(ctx context.Context, task models.Task) error {
	return q.enqueue(ctx, UpcomingNotification(task))
}

func (q *Queue) EnqueueFailure(ctx context.Context, ev models.TaskEvent) error {
	return q.enqueue(ctx, FailureNotification(ev))
}

func (q *Queue) enqueue(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskType(n.Kind), payload)
	info, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.Timeout(30*time.Second))
	if err != nil {
		q.logger.Error("failed to enqueue notification", zap.String("task_id", n.TaskID), zap.String("kind", string(n.Kind)), zap.Error(err))
		return fmt.Errorf("enqueue %s notification for %s: %w", n.Kind, n.TaskID, err)
	}
	q.logger.Debug("notification enqueued", zap.String("job_id", info.ID), zap.String("task_id", n.TaskID))
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Inline delivers immediately, for deployments without redis.
type Inline struct {
	Deliverer Deliverer
}

func (i Inline) NotifyUpcoming(ctx context.Context, task models.Task) error {
	return i.Deliverer.Deliver(ctx, UpcomingNotification(task))
}

func (i Inline) EnqueueFailure(ctx context.Context, ev models.TaskEvent) error {
	return i.Deliverer.Deliver(ctx, FailureNotification(ev))
}
