// Package cemi implements the KNX data-link layer as seen through a cEMI
// interface.
//
// It contains the frame codec for L_Data messages, the fixed 10-byte
// control frame, and the Handler that owns link-layer sending and
// receiving for one bus session.
//
// # Sending
//
// Handler.SendTelegram encodes a telegram, hands the frame to the lower
// transport and waits for the L_Data.con confirmation. The handler admits
// one outstanding send at a time: every emitter on the session, group
// traffic included, queues on the same gate.
//
//	h := cemi.NewHandler(tunnelClient, counters, cemi.Config{})
//	err := h.SendTelegram(ctx, telegram.New(ga, telegram.GroupValueWrite{Data: []byte{1}, Small: true}))
//	if errors.Is(err, cemi.ErrConfirmationTimeout) {
//	    // the interface never confirmed the frame
//	}
//
// # Receiving
//
// The lower transport calls HandleRawCEMI for every inbound frame. Frames
// that cannot be decoded are counted and dropped. Group data goes to the
// queue returned by GroupTelegrams; everything else addressed to this
// client goes to the management hook.
//
// # Counters
//
// Counters are owned by the bus session and shared by reference, so the
// values survive handler replacement and can be exported for monitoring.
package cemi
