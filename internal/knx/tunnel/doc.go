// Package tunnel is a KNXnet/IP tunnelling client over TCP. It carries
// cEMI frames between a bus session and a KNX/IP interface or router.
//
// The client performs the CONNECT handshake for a link-layer tunnel, keeps
// the connection alive with CONNECTIONSTATE requests, and reconnects with
// exponential backoff when the stream fails. Inbound cEMI frames are passed
// to a single callback worker so their order is preserved.
//
//	c, err := tunnel.Connect(ctx, tunnel.Config{Connection: "tcp://192.168.1.10:3671"})
//	c.SetOnFrame(handler.HandleRawCEMI)
//	handler.SetOwnAddress(c.IndividualAddress())
//
// Client implements cemi.FrameSender.
package tunnel
