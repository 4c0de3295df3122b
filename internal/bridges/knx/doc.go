// Package knx connects the commissioning runner and the bus to MQTT.
//
// # Architecture
//
//	┌──────────────┐   MQTT   ┌──────────────┐        ┌──────────────┐
//	│   clients    │◄────────►│    Bridge    │───────►│    Runner    │
//	└──────────────┘          └──────────────┘        └──────────────┘
//	                                 ▲
//	                                 │ group events
//	                          ┌──────────────┐
//	                          │  BusMonitor  │◄──── session group queue
//	                          └──────────────┘
//
// # Topics
//
//   - knxmgmt/request/{id}: RequestMessage from a client
//   - knxmgmt/response/{id}: ResponseMessage for that request
//   - knxmgmt/run/{run_id}: commissioning.Run on start and finish
//   - knxmgmt/bus/group/{main}/{middle}/{sub}: bus.GroupEvent
//   - knxmgmt/health: retained HealthMessage
//
// A request is executed in its own goroutine; a procedure holds the run
// slot until it finishes, and a second procedure gets a "busy" response.
//
// # Bus monitor
//
// BusMonitor is the single consumer of the session's group telegram queue.
// It passes events to every GroupSink (the bridge and the WebSocket hub)
// and, with a database, keeps a table of the devices and group addresses
// seen on the line.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package knx
