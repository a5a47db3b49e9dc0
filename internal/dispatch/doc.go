// Package dispatch owns the driver instances: it builds them from config,
// wires their schedules and inbound routes, and runs the single consumer
// that executes every queued command.
//
// Flow:
//
//	scheduler tick ─┐
//	inbound message ├─> queue ─> Run (one goroutine) ─> Command.Execute ─> bus
//	HTTP refresh ───┘
//
// Daemon drivers bypass the queue and publish from their own supervised
// goroutine.
package dispatch
