package esp

import (
	"errors"
	"fmt"
)

// MaxOrder is the highest hardware slot a room exposes.
const MaxOrder = 6

// Protocol error codes sent back to hardware.
const (
	CodeInvalidLength    = "invalid_length"
	CodeOrderOutOfRange  = "order_out_of_range"
	CodeInvalidIndicator = "invalid_indicator"
	CodeNotAuthenticated = "not_authenticated"
	CodeUnknownSlot      = "unknown_slot"
)

var ErrNotAuthenticated = errors.New("hardware session not authenticated")

// ProtocolError is reported over the channel the bad frame arrived on. The
// connection stays open.
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrNotAuthenticated && e.Code == CodeNotAuthenticated
}

// Decode parses a two character compact code: a slot digit 1-6 followed by
// 1 for on or 0 for off.
func Decode(code string) (order int, on bool, err error) {
	if len(code) != 2 {
		return 0, false, &ProtocolError{Code: CodeInvalidLength, Message: fmt.Sprintf("compact code must be 2 characters, got %q", code)}
	}
	if code[0] < '1' || code[0] > '0'+MaxOrder {
		return 0, false, &ProtocolError{Code: CodeOrderOutOfRange, Message: fmt.Sprintf("order %q is outside 1-%d", code[0], MaxOrder)}
	}
	switch code[1] {
	case '1':
		on = true
	case '0':
	default:
		return 0, false, &ProtocolError{Code: CodeInvalidIndicator, Message: fmt.Sprintf("state indicator %q is not 0 or 1", code[1])}
	}
	return int(code[0] - '0'), on, nil
}

func Encode(order int, on bool) (string, error) {
	if order < 1 || order > MaxOrder {
		return "", &ProtocolError{Code: CodeOrderOutOfRange, Message: fmt.Sprintf("order %d is outside 1-%d", order, MaxOrder)}
	}
	indicator := byte('0')
	if on {
		indicator = '1'
	}
	return string([]byte{byte('0' + order), indicator}), nil
}
