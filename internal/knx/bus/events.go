package bus

import (
	"encoding/hex"
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// Group services as they appear in GroupEvent.Service.
const (
	ServiceWrite    = "write"
	ServiceResponse = "response"
	ServiceRead     = "read"
)

// GroupEvent is the published form of a group telegram seen on the bus.
type GroupEvent struct {
	GroupAddress string    `json:"group_address"`
	Source       string    `json:"source"`
	Service      string    `json:"service"`
	Data         string    `json:"data,omitempty"`
	Small        bool      `json:"small,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewGroupEvent converts t. ok is false for telegrams that are not group
// value services on a group address.
func NewGroupEvent(t telegram.Telegram, at time.Time) (GroupEvent, bool) {
	ga, isGroup := t.Destination.(telegram.GroupAddress)
	if !isGroup {
		return GroupEvent{}, false
	}

	ev := GroupEvent{
		GroupAddress: ga.String(),
		Source:       t.Source.String(),
		Timestamp:    at.UTC(),
	}
	switch p := t.Payload.(type) {
	case telegram.GroupValueWrite:
		ev.Service, ev.Data, ev.Small = ServiceWrite, hex.EncodeToString(p.Data), p.Small
	case telegram.GroupValueResponse:
		ev.Service, ev.Data, ev.Small = ServiceResponse, hex.EncodeToString(p.Data), p.Small
	case telegram.GroupValueRead:
		ev.Service = ServiceRead
	default:
		return GroupEvent{}, false
	}
	return ev, true
}
