// Package scheduler fires periodic jobs by id.
//
// The scheduler is trigger-only: a job's action should only enqueue work.
// Device I/O runs in the consume loop, never on a scheduler goroutine.
//
// Job ids are stable. Rescheduling replaces the timing of an existing id in
// place, and no tick of the old timing fires after Reschedule returns.
package scheduler
