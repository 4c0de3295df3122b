// Package transport implements the KNX transport layer used for device
// management: connection-oriented sessions to one device, and the
// connectionless broadcast channel used while devices are in programming
// mode.
//
// A Dispatcher is installed as the cEMI handler's management hook. It
// routes inbound telegrams to the open Connection for the source address,
// feeds broadcast traffic to the Broadcast channel, and refuses connection
// attempts from peers.
//
//	d := transport.NewDispatcher(handler)
//	handler.SetManagementHook(d)
//
//	conn, err := d.Open(addr, transport.Config{})
//	result, err := conn.Connect(ctx)
//	if result == transport.ProbePresent {
//	    resp, err := conn.Request(ctx, telegram.MemoryRead{Count: 1, Address: 96}, telegram.KindMemoryResponse)
//	}
//	_ = conn.Disconnect(ctx)
//
// # Sequencing
//
// Outgoing DataConnected frames carry a 4-bit sequence that advances only
// after the peer acknowledges it. A frame without T_Ack is repeated once.
// Inbound DataConnected frames are acknowledged asynchronously so the
// receive path never waits on the handler's confirmation gate; repeats
// are re-acknowledged without redelivery and out-of-order frames get a
// T_Nak.
package transport
