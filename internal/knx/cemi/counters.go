package cemi

import "sync/atomic"

// Counters tracks link-layer outcomes for one bus session.
//
// Thread Safety: all methods are safe for concurrent use.
type Counters struct {
	outgoingSuccess atomic.Uint64
	outgoingError   atomic.Uint64
	incomingSuccess atomic.Uint64
	incomingError   atomic.Uint64
	groupDropped    atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	OutgoingSuccess uint64 `json:"outgoing_success"`
	OutgoingError   uint64 `json:"outgoing_error"`
	IncomingSuccess uint64 `json:"incoming_success"`
	IncomingError   uint64 `json:"incoming_error"`
	GroupDropped    uint64 `json:"group_dropped"`
}

// Snapshot returns the current values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		OutgoingSuccess: c.outgoingSuccess.Load(),
		OutgoingError:   c.outgoingError.Load(),
		IncomingSuccess: c.incomingSuccess.Load(),
		IncomingError:   c.incomingError.Load(),
		GroupDropped:    c.groupDropped.Load(),
	}
}

// Fields returns the snapshot as metric fields.
func (s CounterSnapshot) Fields() map[string]interface{} {
	return map[string]interface{}{
		"outgoing_success": s.OutgoingSuccess,
		"outgoing_error":   s.OutgoingError,
		"incoming_success": s.IncomingSuccess,
		"incoming_error":   s.IncomingError,
		"group_dropped":    s.GroupDropped,
	}
}
