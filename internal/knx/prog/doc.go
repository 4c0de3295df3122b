// Package prog implements device programming procedures on top of KNX
// transport connections.
//
// Device wraps one transport connection and exposes the device-level
// services used during commissioning. NetworkManagement composes them into
// procedures and keeps at most one managed device open at a time:
//
//	nm := prog.NewNetworkManagement(dispatcher, prog.Config{})
//	result, err := nm.WriteIndividualAddress(ctx, addr)
//	switch result {
//	case prog.ResultExists:   // another device already has addr
//	case prog.ResultTimeOut:  // no button press, or the device stopped answering
//	}
//
// Results describe expected outcomes of a procedure. Errors are reserved
// for link and protocol failures.
package prog
