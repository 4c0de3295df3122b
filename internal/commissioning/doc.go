// Package commissioning runs bus-programming procedures on behalf of the
// API, the MQTT bridge and the console.
//
// A Runner executes one procedure at a time: probing a device, assigning
// an individual address by programming button, switching the memory bit
// or reading device memory. Each run gets a UUID, is kept in a bounded
// in-memory history, is journaled to the audit log and is announced to
// the registered sinks when it starts and when it ends. Run durations go
// to InfluxDB when a recorder is set.
//
// Usage:
//
//	runner, err := commissioning.NewRunner(commissioning.RunnerOptions{
//	    Manager: session.Management(),
//	    Groups:  session,
//	    Journal: audit.NewSQLiteRepository(db.DB),
//	})
//	run, err := runner.Run(ctx, commissioning.Request{
//	    Action:  commissioning.ActionProbe,
//	    Address: addr,
//	    Source:  audit.SourceConsole,
//	})
package commissioning
