package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"homehub/internal/metrics"
	"homehub/internal/models"
	"homehub/internal/store"
)

// ActionExecutor performs a task's device action.
type ActionExecutor interface {
	Execute(ctx context.Context, task *models.Task) error
}

// ConditionEvaluator decides whether a task may run now; reason explains a false result.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, task *models.Task, now time.Time) (ok bool, reason string)
}

type EventPublisher interface {
	Publish(ev models.TaskEvent)
}

// Notifier receives lead-time notifications ahead of an execution.
type Notifier interface {
	NotifyUpcoming(ctx context.Context, task models.Task) error
}

// Deps are the collaborators of a Scheduler. Events and Notifier may be nil.
type Deps struct {
	Tasks         store.TaskRepository
	Executor      ActionExecutor
	Evaluator     ConditionEvaluator
	Events        EventPublisher
	Notifier      Notifier
	SweepInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// clockSlack tolerates a wall clock slightly behind the monotonic timers.
const clockSlack = 500 * time.Millisecond

type armedTimer struct {
	timer *time.Timer
	gen   uint64
	at    time.Time
}

// Scheduler keeps one armed timer per active task with a future
// nextExecution. The timer table is a cache; the periodic sweep rebuilds it
// from the task repository.
type Scheduler struct {
	tasks     store.TaskRepository
	executor  ActionExecutor
	evaluator ConditionEvaluator
	events    EventPublisher
	notifier  Notifier
	logger    *zap.Logger
	metrics   *metrics.Metrics

	cron     *cron.Cron
	interval time.Duration
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	timers   map[string]armedTimer
	notices  map[string]*time.Timer
	running  map[string]chan struct{}
	gen      uint64
	inflight sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(deps Deps) *Scheduler {
	interval := deps.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:     deps.Tasks,
		executor:  deps.Executor,
		evaluator: deps.Evaluator,
		events:    deps.Events,
		notifier:  deps.Notifier,
		logger:    logger,
		metrics:   deps.Metrics,
		cron:      cron.New(),
		interval:  interval,
		now:       time.Now,
		baseCtx:   ctx,
		cancel:    cancel,
		timers:    make(map[string]armedTimer),
		notices:   make(map[string]*time.Timer),
		running:   make(map[string]chan struct{}),
	}
}

// Start runs an immediate reconciliation and then repeats it on the sweep interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.Reconcile(ctx)
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		s.Reconcile(s.baseCtx)
	}))
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Duration("sweep_interval", s.interval))
}

// Stop halts the sweep, disarms every timer and waits for running executions.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.mu.Lock()
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
	for id, t := range s.notices {
		t.Stop()
		delete(s.notices, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.inflight.Wait()
	s.metrics.SetArmedTimers(0)
	s.logger.Info("scheduler stopped")
}

// ScheduleTask arms the execution timer for the task, replacing any existing
// one. Tasks that are not active, have no nextExecution, or are already due
// are left unarmed; the sweep picks up due tasks. It reports whether a timer
// was armed.
func (s *Scheduler) ScheduleTask(task *models.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(task.ID)

	if task.Status != models.TaskActive || task.NextExecution == nil {
		return false
	}
	now := s.now()
	delay := task.NextExecution.Sub(now)
	if delay <= 0 {
		s.logger.Debug("task already due, leaving it to the sweep", zap.String("task_id", task.ID))
		return false
	}

	s.gen++
	gen, id := s.gen, task.ID
	s.timers[id] = armedTimer{
		timer: time.AfterFunc(delay, func() { s.fire(id, gen) }),
		gen:   gen,
		at:    *task.NextExecution,
	}
	s.armNoticeLocked(task, now)
	s.metrics.SetArmedTimers(len(s.timers))
	s.logger.Debug("task armed",
		zap.String("task_id", id),
		zap.Time("next_execution", *task.NextExecution),
		zap.Duration("delay", delay))
	return true
}

func (s *Scheduler) armNoticeLocked(task *models.Task, now time.Time) {
	n := task.Notifications
	if s.notifier == nil || !n.Enabled || n.LeadTimeMinutes <= 0 {
		return
	}
	at := task.NextExecution.Add(-time.Duration(n.LeadTimeMinutes) * time.Minute)
	if !at.After(now) {
		return
	}
	snapshot := task.Clone()
	s.notices[task.ID] = time.AfterFunc(at.Sub(now), func() {
		s.mu.Lock()
		delete(s.notices, snapshot.ID)
		s.mu.Unlock()
		if err := s.notifier.NotifyUpcoming(s.baseCtx, snapshot); err != nil {
			s.logger.Warn("lead-time notification failed", zap.String("task_id", snapshot.ID), zap.Error(err))
		}
	})
}

// Unschedule disarms both timers of a task. It is safe to call repeatedly and
// does not interrupt an execution already in progress.
func (s *Scheduler) Unschedule(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(taskID)
	s.metrics.SetArmedTimers(len(s.timers))
}

func (s *Scheduler) disarmLocked(taskID string) {
	if t, ok := s.timers[taskID]; ok {
		t.timer.Stop()
		delete(s.timers, taskID)
	}
	if n, ok := s.notices[taskID]; ok {
		n.Stop()
		delete(s.notices, taskID)
	}
}

// ArmedCount returns the number of armed execution timers.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) isArmedAt(taskID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[taskID]
	return ok && t.at.Equal(at)
}

// fire runs when a timer expires. A stale generation means the task was
// re-armed or disarmed after this timer was created.
func (s *Scheduler) fire(taskID string, gen uint64) {
	s.mu.Lock()
	t, ok := s.timers[taskID]
	if !ok || t.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.inflight.Add(1)
	s.metrics.SetArmedTimers(len(s.timers))
	s.mu.Unlock()

	defer s.inflight.Done()
	if err := s.ExecuteTask(s.baseCtx, taskID); err != nil {
		s.logger.Error("task execution aborted", zap.String("task_id", taskID), zap.Error(err))
	}
}

// begin claims the task without waiting.
func (s *Scheduler) begin(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[taskID]; busy {
		return false
	}
	s.running[taskID] = make(chan struct{})
	return true
}

func (s *Scheduler) end(taskID string) {
	s.mu.Lock()
	if done, ok := s.running[taskID]; ok {
		close(done)
		delete(s.running, taskID)
	}
	s.mu.Unlock()
}

// Exclusive runs fn while no execution of the task is in progress, waiting
// for a running one to finish first. Timers that fire meanwhile skip the
// task and leave it to the sweep.
func (s *Scheduler) Exclusive(ctx context.Context, taskID string, fn func() error) error {
	for {
		s.mu.Lock()
		done, busy := s.running[taskID]
		if !busy {
			s.running[taskID] = make(chan struct{})
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer s.end(taskID)
	return fn()
}

// ExecuteTask runs one iteration of a due task: it reloads the task, checks
// its conditions, performs the action, records history, advances
// nextExecution and re-arms. A task that is not active or not yet due is
// left untouched. Only storage errors are returned; action and condition
// failures are recorded on the task.
func (s *Scheduler) ExecuteTask(ctx context.Context, taskID string) error {
	if !s.begin(taskID) {
		s.logger.Debug("task busy, skipping", zap.String("task_id", taskID))
		return nil
	}
	defer s.end(taskID)

	task, err := s.tasks.FindTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Info("task vanished before execution", zap.String("task_id", taskID))
			return nil
		}
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status != models.TaskActive {
		s.logger.Debug("task no longer active", zap.String("task_id", taskID), zap.String("status", string(task.Status)))
		return nil
	}

	now := s.now()
	if task.NextExecution == nil || task.NextExecution.After(now.Add(clockSlack)) {
		s.logger.Debug("task not due", zap.String("task_id", taskID))
		return nil
	}

	logger := s.logger.With(zap.String("task_id", task.ID), zap.String("device_id", task.DeviceID))

	if ok, reason := s.checkConditions(ctx, task, now); !ok {
		msg := "conditions not met: " + reason
		task.Record(now, models.OutcomeFailure, msg)
		s.publish(task, models.EventTaskFailed, models.ReasonConditionsNotMet, msg, now)
		s.metrics.TaskExecuted("conditions_not_met")
		logger.Info("task skipped", zap.String("reason", reason))
	} else if err := s.performAction(ctx, task); err != nil {
		msg := "action failed: " + err.Error()
		task.Record(now, models.OutcomeFailure, msg)
		s.publish(task, models.EventTaskFailed, models.ReasonActionFailed, msg, now)
		s.metrics.TaskExecuted("failure")
		logger.Warn("task action failed", zap.Error(err))
	} else {
		task.Record(now, models.OutcomeSuccess, "executed")
		s.publish(task, models.EventTaskExecuted, "", "executed", now)
		s.metrics.TaskExecuted("success")
		logger.Info("task executed")
	}

	s.advance(task, now)
	if err := s.tasks.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	s.ScheduleTask(task)
	return nil
}

func (s *Scheduler) checkConditions(ctx context.Context, task *models.Task, now time.Time) (ok bool, reason string) {
	if len(task.Conditions) == 0 || s.evaluator == nil {
		return true, ""
	}
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, fmt.Sprintf("condition evaluation panicked: %v", r)
		}
	}()
	return s.evaluator.Evaluate(ctx, task, now)
}

func (s *Scheduler) performAction(ctx context.Context, task *models.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return s.executor.Execute(ctx, task)
}

// advance sets lastExecuted and the following occurrence. A schedule that
// cannot be computed marks the task failed so it is not re-armed.
func (s *Scheduler) advance(task *models.Task, now time.Time) {
	executed := now.UTC()
	task.LastExecuted = &executed
	task.UpdatedAt = executed

	if task.Schedule.Recurrence.Type == models.RecurOnce {
		task.Status = models.TaskCompleted
		task.NextExecution = nil
		return
	}
	next, err := NextExecution(task, now)
	switch {
	case err != nil:
		s.logger.Error("cannot compute next execution, marking task failed",
			zap.String("task_id", task.ID), zap.Error(err))
		task.Status = models.TaskFailed
		task.NextExecution = nil
	case next == nil:
		task.Status = models.TaskCompleted
		task.NextExecution = nil
	default:
		task.NextExecution = next
	}
}

func (s *Scheduler) publish(task *models.Task, kind models.EventKind, reason, msg string, at time.Time) {
	if s.events == nil {
		return
	}
	s.events.Publish(models.TaskEvent{
		ID:                   uuid.NewString(),
		Kind:                 kind,
		TaskID:               task.ID,
		TaskName:             task.Name,
		DeviceID:             task.DeviceID,
		OwnerID:              task.OwnerID,
		Message:              msg,
		Reason:               reason,
		NotificationsEnabled: task.Notifications.Enabled,
		NotifyOnFailure:      task.Notifications.NotifyOnFailure,
		Recipients:           task.Notifications.Recipients,
		Timestamp:            at.UTC(),
	})
}

// Reconcile executes overdue active tasks, arms future ones that have no
// timer and drops timers for tasks that are no longer active. Errors are
// logged per task and never stop the sweep.
func (s *Scheduler) Reconcile(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	sweepGen := s.gen
	s.mu.Unlock()

	due, err := s.tasks.FindActiveTasksBefore(ctx, now)
	if err != nil {
		s.logger.Error("sweep: loading due tasks failed", zap.Error(err))
	}
	for _, t := range due {
		id := t.ID
		s.Unschedule(id)
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.ExecuteTask(ctx, id); err != nil {
				s.logger.Error("sweep: task execution aborted", zap.String("task_id", id), zap.Error(err))
			}
		}()
	}

	upcoming, err := s.tasks.FindActiveTasksAfter(ctx, now)
	if err != nil {
		s.logger.Error("sweep: loading upcoming tasks failed", zap.Error(err))
		return
	}
	live := make(map[string]struct{}, len(upcoming)+len(due))
	for _, t := range due {
		live[t.ID] = struct{}{}
	}
	for i := range upcoming {
		t := &upcoming[i]
		live[t.ID] = struct{}{}
		if !s.isArmedAt(t.ID, *t.NextExecution) {
			s.ScheduleTask(t)
		}
	}

	// timers armed after the queries ran belong to concurrent edits and stay
	s.mu.Lock()
	for id, t := range s.timers {
		if _, ok := live[id]; !ok && t.gen <= sweepGen {
			s.disarmLocked(id)
		}
	}
	armed := len(s.timers)
	s.mu.Unlock()
	s.metrics.SetArmedTimers(armed)

	s.logger.Debug("sweep finished", zap.Int("due", len(due)), zap.Int("armed", armed))
}
