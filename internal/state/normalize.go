// Package state maps heterogeneous device state representations to
// canonical state tokens.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Canonical tokens.
const (
	On       = "on"
	Off      = "off"
	Locked   = "locked"
	Unlocked = "unlocked"
	Open     = "open"
	Closed   = "closed"
)

// ErrUnsupported is returned for values that have no canonical form.
var ErrUnsupported = errors.New("unsupported state value")

// Level marks a numeric value as a level so 1 and 0 stay numeric instead of
// collapsing to on/off.
type Level float64

var synonyms = map[string]string{
	"on": On, "true": On, "yes": On, "enable": On, "enabled": On, "active": On, "start": On,
	"off": Off, "false": Off, "no": Off, "disable": Off, "disabled": Off, "inactive": Off, "stop": Off,
	"lock": Locked, "locked": Locked,
	"unlock": Unlocked, "unlocked": Unlocked,
	"open": Open, "opened": Open,
	"close": Closed, "closed": Closed,
}

// modes are operating modes reported by thermostats and climate units.
var modes = map[string]bool{
	"heat": true, "cool": true, "auto": true, "eco": true, "dry": true, "fan": true,
}

// Normalize returns the canonical token for v: on/off, a lock or cover
// token, a numeric level or a climate mode. Anything else is ErrUnsupported.
func Normalize(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", fmt.Errorf("%w: nil", ErrUnsupported)
	case bool:
		if t {
			return On, nil
		}
		return Off, nil
	case Level:
		return formatChecked(float64(t))
	case string:
		return normalizeString(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrUnsupported, t)
		}
		return normalizeNumber(f)
	case float64:
		return normalizeNumber(t)
	case float32:
		return normalizeNumber(float64(t))
	case int:
		return normalizeNumber(float64(t))
	case int32:
		return normalizeNumber(float64(t))
	case int64:
		return normalizeNumber(float64(t))
	case uint:
		return normalizeNumber(float64(t))
	case uint8:
		return normalizeNumber(float64(t))
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func normalizeString(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("%w: empty string", ErrUnsupported)
	}
	if tok, ok := synonyms[s]; ok {
		return tok, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return normalizeNumber(f)
	}
	if modes[s] {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
}

func normalizeNumber(f float64) (string, error) {
	switch f {
	case 1:
		return On, nil
	case 0:
		return Off, nil
	}
	return formatChecked(f)
}

func formatChecked(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, f)
	}
	return FormatLevel(f), nil
}

// FormatLevel renders a numeric level with the shortest exact decimal form.
func FormatLevel(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Binary reduces a canonical state to on/off. Levels above zero count as on;
// ok is false for tokens with no binary meaning.
func Binary(state string) (on bool, ok bool) {
	switch state {
	case On, Open, Unlocked:
		return true, true
	case Off, Closed, Locked:
		return false, true
	}
	f, err := strconv.ParseFloat(state, 64)
	if err != nil {
		return false, false
	}
	return f > 0, true
}
