package knx

import (
	"time"

	"github.com/nerrad567/knxmgmt/internal/commissioning"
	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
)

// Request actions in addition to the commissioning procedures
// (probe, assign_address, memory_bit, read_memory).
const (
	ActionGroupWrite = "group_write"
	ActionGroupRead  = "group_read"
)

// Response error codes.
const (
	CodeInvalidRequest = "invalid_request"
	CodeBusy           = "busy"
	CodeUnavailable    = "unavailable"
	CodeBusError       = "bus_error"
	CodeRunFailed      = "run_failed"
	CodeInternal       = "internal_error"
)

// RequestMessage is a management request received over MQTT.
// Topic: knxmgmt/request/{request_id}
//
//	{"action":"memory_bit","address":"1.1.5","mode":"on","user_id":"installer"}
//	{"action":"group_write","group_address":"1/0/4","data":"01","small":true}
type RequestMessage struct {
	// Action is a commissioning action or one of the group actions.
	Action string `json:"action"`

	// Address is the target device for commissioning actions.
	Address string `json:"address,omitempty"`

	// Mode is "on" or "off" for memory_bit.
	Mode string `json:"mode,omitempty"`

	// Offset and Count select the bytes for read_memory.
	Offset uint16 `json:"offset,omitempty"`
	Count  uint8  `json:"count,omitempty"`

	// GroupAddress, Data (hex) and Small are used by the group actions.
	GroupAddress string `json:"group_address,omitempty"`
	Data         string `json:"data,omitempty"`
	Small        bool   `json:"small,omitempty"`

	// UserID is recorded in the journal.
	UserID string `json:"user_id,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: knxmgmt/response/{request_id}
type ResponseMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Success is true when the request was carried out. A procedure that
	// ran but failed reports false with the run attached.
	Success bool `json:"success"`

	// Run is the procedure record for commissioning actions.
	Run *commissioning.Run `json:"run,omitempty"`

	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained health document.
// Topic: knxmgmt/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// LinkConnected reports the tunnel connection state.
	LinkConnected bool `json:"link_connected"`

	// OwnAddress is the individual address used on the bus.
	OwnAddress string `json:"own_address,omitempty"`

	// Link holds the cEMI frame counters.
	Link *cemi.CounterSnapshot `json:"link,omitempty"`

	// Busy is true while a commissioning run holds the bus.
	Busy bool `json:"busy"`

	// GroupEvents is the number of group telegrams forwarded.
	GroupEvents uint64 `json:"group_events"`

	// Reason explains the status (especially for degraded).
	Reason string `json:"reason,omitempty"`
}

func newErrorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	}
}
