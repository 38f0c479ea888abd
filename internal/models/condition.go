package models

import (
	"encoding/json"
	"fmt"
)

// ConditionType discriminates the task condition union
type ConditionType string

const (
	CondSensorValue  ConditionType = "sensor_value"
	CondTimeWindow   ConditionType = "time_window"
	CondDeviceStatus ConditionType = "device_status"
	CondUserPresence ConditionType = "user_presence"
)

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
)

// Comparison holds the operator and one or two comparison values.
type Comparison struct {
	Operator        Operator
	Value           any
	AdditionalValue any
}

// Condition is one variant of the task condition union, dispatched through
// ConditionVisitor so a new variant breaks every evaluator at compile time.
type Condition interface {
	Type() ConditionType
	Accept(v ConditionVisitor) bool
}

type ConditionVisitor interface {
	VisitSensorValue(c SensorValue) bool
	VisitTimeWindow(c TimeWindow) bool
	VisitDeviceStatus(c DeviceStatus) bool
	VisitUserPresence(c UserPresence) bool
}

type SensorValue struct {
	DeviceID string
	Comparison
}

func (SensorValue) Type() ConditionType { return CondSensorValue }
func (c SensorValue) Accept(v ConditionVisitor) bool { return v.VisitSensorValue(c) }

// TimeWindow compares local time-of-day ("HH:MM") in the task's zone.
type TimeWindow struct {
	Comparison
}

func (TimeWindow) Type() ConditionType { return CondTimeWindow }
func (c TimeWindow) Accept(v ConditionVisitor) bool { return v.VisitTimeWindow(c) }

type DeviceStatus struct {
	DeviceID string
	Comparison
}

func (DeviceStatus) Type() ConditionType { return CondDeviceStatus }
func (c DeviceStatus) Accept(v ConditionVisitor) bool { return v.VisitDeviceStatus(c) }

type UserPresence struct {
	UserID string
	Comparison
}

func (UserPresence) Type() ConditionType { return CondUserPresence }
func (c UserPresence) Accept(v ConditionVisitor) bool { return v.VisitUserPresence(c) }

// TaskCondition wraps a Condition for JSON encoding with a "type" discriminator.
type TaskCondition struct {
	Condition
}

type conditionWire struct {
	Type            ConditionType `json:"type"`
	DeviceID        string        `json:"deviceId,omitempty"`
	UserID          string        `json:"userId,omitempty"`
	Operator        Operator      `json:"operator"`
	Value           any           `json:"value"`
	AdditionalValue any           `json:"additionalValue,omitempty"`
}

func (c TaskCondition) MarshalJSON() ([]byte, error) {
	if c.Condition == nil {
		return []byte("null"), nil
	}
	w := conditionWire{Type: c.Condition.Type()}
	switch cond := c.Condition.(type) {
	case SensorValue:
		w.DeviceID = cond.DeviceID
		w.setComparison(cond.Comparison)
	case TimeWindow:
		w.setComparison(cond.Comparison)
	case DeviceStatus:
		w.DeviceID = cond.DeviceID
		w.setComparison(cond.Comparison)
	case UserPresence:
		w.UserID = cond.UserID
		w.setComparison(cond.Comparison)
	default:
		return nil, fmt.Errorf("unknown condition variant %T", c.Condition)
	}
	return json.Marshal(w)
}

func (w *conditionWire) setComparison(cmp Comparison) {
	w.Operator = cmp.Operator
	w.Value = cmp.Value
	w.AdditionalValue = cmp.AdditionalValue
}

func (c *TaskCondition) UnmarshalJSON(data []byte) error {
	var w conditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cmp := Comparison{Operator: w.Operator, Value: w.Value, AdditionalValue: w.AdditionalValue}
	switch w.Type {
	case CondSensorValue:
		c.Condition = SensorValue{DeviceID: w.DeviceID, Comparison: cmp}
	case CondTimeWindow:
		c.Condition = TimeWindow{Comparison: cmp}
	case CondDeviceStatus:
		c.Condition = DeviceStatus{DeviceID: w.DeviceID, Comparison: cmp}
	case CondUserPresence:
		c.Condition = UserPresence{UserID: w.UserID, Comparison: cmp}
	default:
		return fmt.Errorf("unknown condition type %q", w.Type)
	}
	return nil
}
