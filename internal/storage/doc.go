// Package storage keeps a bounded history of command executions so the
// HTTP API can show what each driver did recently.
//
// Backends:
//   - sqlite: a modernc.org/sqlite database file (survives restarts)
//   - memory: an in-process ring buffer
package storage
