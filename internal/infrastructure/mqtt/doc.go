// Package mqtt connects knxmgmt to an MQTT broker.
//
// The broker is the daemon's message surface: management requests arrive
// on knxmgmt/request/{id} and their results leave on
// knxmgmt/response/{id}, group telegrams seen on the bus are mirrored to
// knxmgmt/bus/group/{main}/{middle}/{sub}, and the bridge publishes a
// retained health document.
//
// The client:
//   - reconnects automatically with backoff and restores subscriptions
//   - publishes a retained online status, with a last will marking the
//     daemon offline if it disappears
//   - recovers panics in message handlers
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllRequests(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _ := mqtt.RequestID(topic)
//	        return handle(id, payload)
//	    })
//
// Use TLS (cfg.Broker.TLS) whenever the broker is not on localhost.
package mqtt
