// Package bus assembles one KNX bus session: the link to the bus, the
// cEMI handler, the transport dispatcher and the network management
// procedures on top of them.
//
// A Session owns the link-layer counters for as long as it lives, so a
// reconnecting link keeps one set of statistics. MetricsRecorder writes
// those counters to a time-series store at a fixed interval.
package bus
