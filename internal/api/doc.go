// Package api serves the HTTP API and the live WebSocket stream.
//
// Every route below /api/v1 except /health needs an HS256 bearer token
// whose subject is recorded as the user of each journaled action. Tokens
// are issued elsewhere; the server only validates them.
//
// Procedures that finish quickly (probe, memory-bit, memory read) run
// within the request. Address assignment waits for a programming button,
// so it answers 202 with a run to poll at /runs/{id}. Only one procedure
// runs at a time; a second request gets 409.
//
// /bus/devices and /bus/groups list what the bus monitor has seen on the
// line, which is where to look for a device to probe.
//
// WebSocket clients subscribe to "group.telegram" and "run.updated":
//
//	{"type":"subscribe","id":"1","payload":{"channels":["group.telegram"]}}
package api
