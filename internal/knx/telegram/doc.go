// Package telegram models KNX bus messages above the link layer.
//
// It defines the two address kinds used on a KNX bus, the transport-layer
// control field (TPCI) and the application-layer service (APCI) as closed
// sets of types, and the Telegram that carries them between the cEMI
// handler and the management layers.
//
// # Addresses
//
// Individual addresses identify devices (area.line.device). Group addresses
// identify logical functions (main/middle/sub). The zero group address is
// the broadcast address used by address-assignment services.
//
//	ia, _ := telegram.ParseIndividualAddress("1.1.5")
//	ga, _ := telegram.ParseGroupAddress("1/2/3")
//
// # Closed variants
//
// TPCI and APCI are sealed interfaces: only the types in this package
// implement them, so a type switch over them is exhaustive.
//
//	switch p := t.Payload.(type) {
//	case telegram.MemoryResponse:
//	    ...
//	}
package telegram
