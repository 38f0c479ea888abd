package models

import (
	"encoding/json"
	"fmt"
)

// ActionType discriminates the task action union
type ActionType string

const (
	ActionStatusChange ActionType = "status_change"
	ActionNumericSet   ActionType = "numeric_set"
	ActionOther        ActionType = "other"
)

// Action is one variant of the task action union. New variants must add a
// method to ActionVisitor, so every consumer fails to compile until it handles them.
type Action interface {
	Type() ActionType
	Accept(v ActionVisitor) error
}

type ActionVisitor interface {
	VisitStatusChange(a StatusChange) error
	VisitNumericSet(a NumericSet) error
	VisitOther(a OtherAction) error
}

// StatusChange sets the device to a state token such as "on" or "locked".
type StatusChange struct {
	Value any
}

func (StatusChange) Type() ActionType { return ActionStatusChange }
func (a StatusChange) Accept(v ActionVisitor) error { return v.VisitStatusChange(a) }

// NumericSet sets a level such as brightness or a thermostat target.
type NumericSet struct {
	Value float64
}

func (NumericSet) Type() ActionType { return ActionNumericSet }
func (a NumericSet) Accept(v ActionVisitor) error { return v.VisitNumericSet(a) }

// OtherAction carries an opaque value passed to the device as-is.
type OtherAction struct {
	Value any
}

func (OtherAction) Type() ActionType { return ActionOther }
func (a OtherAction) Accept(v ActionVisitor) error { return v.VisitOther(a) }

// TaskAction wraps an Action for JSON encoding as {"type": ..., "value": ...}.
type TaskAction struct {
	Action
}

type actionWire struct {
	Type  ActionType      `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (a TaskAction) MarshalJSON() ([]byte, error) {
	if a.Action == nil {
		return []byte("null"), nil
	}
	var value any
	switch act := a.Action.(type) {
	case StatusChange:
		value = act.Value
	case NumericSet:
		value = act.Value
	case OtherAction:
		value = act.Value
	default:
		return nil, fmt.Errorf("unknown action variant %T", a.Action)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actionWire{Type: a.Action.Type(), Value: raw})
}

func (a *TaskAction) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		a.Action = nil
		return nil
	}
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case ActionStatusChange:
		var v any
		if err := unmarshalValue(w.Value, &v); err != nil {
			return err
		}
		a.Action = StatusChange{Value: v}
	case ActionNumericSet:
		var v float64
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return fmt.Errorf("numeric_set value must be a number: %w", err)
		}
		a.Action = NumericSet{Value: v}
	case ActionOther:
		var v any
		if err := unmarshalValue(w.Value, &v); err != nil {
			return err
		}
		a.Action = OtherAction{Value: v}
	default:
		return fmt.Errorf("unknown action type %q", w.Type)
	}
	return nil
}

func unmarshalValue(raw json.RawMessage, v *any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
