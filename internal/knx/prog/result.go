package prog

import (
	"fmt"
	"strings"
)

// Result is the outcome of a network management procedure.
type Result int

const (
	// ResultUnknown accompanies a non-nil error: the procedure failed
	// without reaching an outcome.
	ResultUnknown Result = -1

	ResultOK        Result = 0
	ResultExists    Result = 1
	ResultTimeOut   Result = 2
	ResultNotExists Result = 3
)

func (r Result) String() string {
	switch r {
	case ResultUnknown:
		return "unknown"
	case ResultOK:
		return "ok"
	case ResultExists:
		return "exists"
	case ResultTimeOut:
		return "timeout"
	case ResultNotExists:
		return "not_exists"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Mode selects the target state of the memory bit.
type Mode int

const (
	ModeOff Mode = 0
	ModeOn  Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOn:
		return "on"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "on"/"off" (also "1"/"0").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "1":
		return ModeOn, nil
	case "off", "0":
		return ModeOff, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Status is the connection status of a Device.
type Status int

const (
	StatusNotConnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "not_connected"
}
