package automation

import (
	"strconv"

	"homehub/internal/models"
	"homehub/internal/scheduler"
	"homehub/internal/state"
)

// compareState compares a canonical device state against a condition.
// Both sides are normalized first; ordering operators need numbers, with
// on/off read as 1/0.
func compareState(actual string, cmp models.Comparison) bool {
	expected, err := state.Normalize(cmp.Value)
	if err != nil {
		return false
	}
	a, aNum := asNumber(actual)
	e, eNum := asNumber(expected)
	numeric := aNum && eNum

	switch cmp.Operator {
	case models.OpEquals:
		if numeric {
			return a == e
		}
		return actual == expected
	case models.OpNotEquals:
		if numeric {
			return a != e
		}
		return actual != expected
	case models.OpGreaterThan:
		return numeric && a > e
	case models.OpLessThan:
		return numeric && a < e
	case models.OpBetween:
		upper, err := state.Normalize(cmp.AdditionalValue)
		if err != nil {
			return false
		}
		hi, hiNum := asNumber(upper)
		return numeric && hiNum && e <= a && a <= hi
	}
	return false
}

func asNumber(s string) (float64, bool) {
	switch s {
	case state.On:
		return 1, true
	case state.Off:
		return 0, true
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// compareClock compares minutes since local midnight against "HH:MM" bounds.
// A between window whose lower bound is after the upper bound wraps past
// midnight.
func compareClock(minutes int, cmp models.Comparison) bool {
	lo, ok := clockValue(cmp.Value)
	if !ok {
		return false
	}
	switch cmp.Operator {
	case models.OpEquals:
		return minutes == lo
	case models.OpNotEquals:
		return minutes != lo
	case models.OpGreaterThan:
		return minutes > lo
	case models.OpLessThan:
		return minutes < lo
	case models.OpBetween:
		hi, ok := clockValue(cmp.AdditionalValue)
		if !ok {
			return false
		}
		if lo <= hi {
			return lo <= minutes && minutes <= hi
		}
		return minutes >= lo || minutes <= hi
	}
	return false
}

func clockValue(v any) (int, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	c, err := scheduler.ParseClock(s)
	if err != nil {
		return 0, false
	}
	return c.Minutes(), true
}
