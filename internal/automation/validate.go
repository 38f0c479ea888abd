package automation

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"homehub/internal/models"
	"homehub/internal/scheduler"
	"homehub/internal/state"
)

//go:embed task.schema.json
var taskSchema []byte

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError rejects malformed task input before it is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TaskInput is the user-editable part of a task document.
type TaskInput struct {
	Name          string                 `json:"name"`
	DeviceID      string                 `json:"deviceId"`
	Timezone      string                 `json:"timezone"`
	Action        models.TaskAction      `json:"action"`
	Schedule      models.Schedule        `json:"schedule"`
	Conditions    []models.TaskCondition `json:"conditions,omitempty"`
	Notifications models.Notifications   `json:"notifications"`
}

func inputOf(t *models.Task) TaskInput {
	return TaskInput{
		Name:          t.Name,
		DeviceID:      t.DeviceID,
		Timezone:      t.Timezone,
		Action:        t.Action,
		Schedule:      t.Schedule,
		Conditions:    t.Conditions,
		Notifications: t.Notifications,
	}
}

// Validator checks task documents against the embedded JSON Schema and
// then against rules the schema cannot express.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	var doc any
	if err := json.Unmarshal(taskSchema, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task.schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add task schema: %w", err)
	}
	compiled, err := c.Compile("task.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile task schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Decode validates raw and returns the parsed task input.
func (v *Validator) Decode(raw []byte) (*TaskInput, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}
	var in TaskInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &ValidationError{Field: "body", Reason: err.Error()}
	}
	if err := checkInput(&in); err != nil {
		return nil, err
	}
	return &in, nil
}

func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Field: "body", Reason: err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.Join(ve.InstanceLocation, ".")
	if field == "" {
		field = "body"
	}
	return &ValidationError{Field: field, Reason: ve.Error()}
}

func checkInput(in *TaskInput) error {
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		return &ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown zone %q", in.Timezone)}
	}
	sch := in.Schedule
	var start, end time.Time
	if sch.StartDate != "" {
		if start, err = time.ParseInLocation("2006-01-02", sch.StartDate, loc); err != nil {
			return &ValidationError{Field: "schedule.startDate", Reason: err.Error()}
		}
	}
	if sch.EndDate != "" {
		if end, err = time.ParseInLocation("2006-01-02", sch.EndDate, loc); err != nil {
			return &ValidationError{Field: "schedule.endDate", Reason: err.Error()}
		}
		if !start.IsZero() && end.Before(start) {
			return &ValidationError{Field: "schedule.endDate", Reason: "ends before it starts"}
		}
	}
	for i, c := range in.Conditions {
		tw, ok := c.Condition.(models.TimeWindow)
		if !ok {
			continue
		}
		if _, ok := clockValue(tw.Value); !ok {
			return &ValidationError{Field: fmt.Sprintf("conditions.%d.value", i), Reason: "time_window needs HH:MM"}
		}
		if tw.Operator == models.OpBetween {
			if _, ok := clockValue(tw.AdditionalValue); !ok {
				return &ValidationError{Field: fmt.Sprintf("conditions.%d.additionalValue", i), Reason: "time_window needs HH:MM"}
			}
		}
	}
	if in.Action.Action != nil {
		if err := in.Action.Accept(actionCheck{}); err != nil {
			return &ValidationError{Field: "action.value", Reason: err.Error()}
		}
	}
	trial := &models.Task{Timezone: in.Timezone, Schedule: sch}
	if _, err := scheduler.NextExecution(trial, time.Now()); err != nil {
		return &ValidationError{Field: "schedule", Reason: err.Error()}
	}
	return nil
}

// actionCheck rejects action values the device state model cannot represent.
type actionCheck struct{}

func (actionCheck) VisitStatusChange(a models.StatusChange) error {
	_, err := state.Normalize(a.Value)
	return err
}

func (actionCheck) VisitNumericSet(a models.NumericSet) error {
	_, err := state.Normalize(state.Level(a.Value))
	return err
}

func (actionCheck) VisitOther(a models.OtherAction) error {
	_, err := state.Normalize(a.Value)
	return err
}
