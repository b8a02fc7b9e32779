// Package feeserver is the server core: it owns the item registry, the
// monitoring engine, the message log and the tracked allocator, and runs
// the command channel.
//
// Lifecycle:
//
//	Collecting -> Running -> (Error)
//
// While collecting, the device layer initialises and publishes its
// channels. Once it signals readiness the registry is sealed and
// monitoring starts. A failed or late initialisation, a device-layer
// panic, or a command worker that ignores cancellation moves the server
// to Error for good: device commands are refused from then on, while
// administrative commands and the message channel keep working.
//
// Commands are executed one at a time. Device commands run in a worker
// goroutine bounded by the issue timeout; when it expires the worker's
// context is cancelled, its result discarded and Timeout returned.
package feeserver
