package models

import "time"

// TaskStatus is the lifecycle state of an automation task
type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// RecurrenceType selects the repeat rule of a schedule
type RecurrenceType string

const (
	RecurOnce    RecurrenceType = "once"
	RecurDaily   RecurrenceType = "daily"
	RecurWeekly  RecurrenceType = "weekly"
	RecurMonthly RecurrenceType = "monthly"
	RecurCustom  RecurrenceType = "custom"
)

type Recurrence struct {
	Type     RecurrenceType `json:"type"`
	Interval int            `json:"interval,omitempty"`
	// DaysOfWeek uses 0 for Sunday through 6 for Saturday.
	DaysOfWeek     []int  `json:"daysOfWeek,omitempty"`
	DayOfMonth     int    `json:"dayOfMonth,omitempty"`
	CronExpression string `json:"cronExpression,omitempty"`
}

// Schedule dates are YYYY-MM-DD and times HH:MM, both in the task's timezone.
type Schedule struct {
	StartDate  string     `json:"startDate,omitempty"`
	StartTime  string     `json:"startTime"`
	EndDate    string     `json:"endDate,omitempty"`
	Recurrence Recurrence `json:"recurrence"`
}

type Notifications struct {
	Enabled         bool     `json:"enabled"`
	Recipients      []string `json:"recipients,omitempty"`
	LeadTimeMinutes int      `json:"leadTimeMinutes,omitempty"`
	NotifyOnFailure bool     `json:"notifyOnFailure"`
}

type ExecutionOutcome string

const (
	OutcomeSuccess ExecutionOutcome = "success"
	OutcomeFailure ExecutionOutcome = "failure"
)

type ExecutionRecord struct {
	Timestamp time.Time        `json:"timestamp"`
	Outcome   ExecutionOutcome `json:"outcome"`
	Message   string           `json:"message"`
}

// Task is a persisted automation targeting a single device
type Task struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	OwnerID          string            `json:"ownerId"`
	DeviceID         string            `json:"deviceId"`
	Timezone         string            `json:"timezone"`
	Action           TaskAction        `json:"action"`
	Schedule         Schedule          `json:"schedule"`
	Conditions       []TaskCondition   `json:"conditions"`
	Notifications    Notifications     `json:"notifications"`
	Status           TaskStatus        `json:"status"`
	NextExecution    *time.Time        `json:"nextExecution"`
	LastExecuted     *time.Time        `json:"lastExecuted"`
	ExecutionHistory []ExecutionRecord `json:"executionHistory"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Location loads the task's IANA zone, falling back to UTC when unset.
func (t *Task) Location() (*time.Location, error) {
	if t.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(t.Timezone)
}

// Record appends an execution record to the task history.
func (t *Task) Record(at time.Time, outcome ExecutionOutcome, message string) {
	t.ExecutionHistory = append(t.ExecutionHistory, ExecutionRecord{
		Timestamp: at.UTC(),
		Outcome:   outcome,
		Message:   message,
	})
}

// Clone returns a deep copy so callers can mutate without sharing slices.
func (t Task) Clone() Task {
	c := t
	if t.NextExecution != nil {
		v := *t.NextExecution
		c.NextExecution = &v
	}
	if t.LastExecuted != nil {
		v := *t.LastExecuted
		c.LastExecuted = &v
	}
	c.Conditions = append([]TaskCondition(nil), t.Conditions...)
	c.ExecutionHistory = append([]ExecutionRecord(nil), t.ExecutionHistory...)
	c.Notifications.Recipients = append([]string(nil), t.Notifications.Recipients...)
	c.Schedule.Recurrence.DaysOfWeek = append([]int(nil), t.Schedule.Recurrence.DaysOfWeek...)
	return c
}

// EventKind distinguishes task execution outcomes on the event bus
type EventKind string

const (
	EventTaskExecuted EventKind = "executed"
	EventTaskFailed   EventKind = "failed"
)

// Failure reasons carried by failed task events.
const (
	ReasonConditionsNotMet = "conditions_not_met"
	ReasonActionFailed     = "action_failed"
)

// TaskEvent is a transient notification about one task execution
type TaskEvent struct {
	ID                   string    `json:"id"`
	Kind                 EventKind `json:"kind"`
	TaskID               string    `json:"taskId"`
	TaskName             string    `json:"taskName"`
	DeviceID             string    `json:"deviceId"`
	OwnerID              string    `json:"ownerId"`
	Message              string    `json:"message"`
	Reason               string    `json:"reason,omitempty"`
	NotificationsEnabled bool      `json:"-"`
	NotifyOnFailure      bool      `json:"-"`
	Recipients           []string  `json:"-"`
	Timestamp            time.Time `json:"timestamp"`
}

type NotificationKind string

const (
	NotifyUpcoming NotificationKind = "upcoming"
	NotifyFailure  NotificationKind = "failure"
)

// Notification is one message about a task addressed to its recipients.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	TaskID     string           `json:"taskId"`
	TaskName   string           `json:"taskName"`
	DeviceID   string           `json:"deviceId"`
	OwnerID    string           `json:"ownerId"`
	Recipients []string         `json:"recipients,omitempty"`
	Message    string           `json:"message"`
	At         time.Time        `json:"at"`
}
