// Package temporal runs eager entities on Temporal (https://temporal.io).
//
// Dispatcher implements engine.Dispatcher over a Temporal client: every
// dispatched entity becomes a workflow execution whose ID is the execution ID
// chosen by the eager run, Sync describes the execution, and Terminate
// terminates it with the eager run's reason.
//
// Worker implements engine.Installer: each registered entity becomes a
// workflow that runs the entity handler in a single heartbeating activity.
// Terminating the workflow cancels the activity context, and the handler
// context carries the engine.Execution so eager entities dispatched this way
// run their own nested eager runs remotely.
//
//	d, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{HostPort: "temporal:7233", Namespace: "default"},
//	    TaskQueue:     "eager",
//	    ConsoleURL:    "http://localhost:8233",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close()
//
// Both the client and workers get the OpenTelemetry tracing interceptor and
// metrics handler unless disabled in Options.Instrumentation.
package temporal
