// Package runs tracks generation runs and drives them through their states.
//
// A run moves queued -> running -> succeeded | failed and never leaves a
// terminal state. The transition to running is persisted before the
// generator is called, so a crash mid-generation leaves the run visibly
// running; the Sweeper later fails runs that stay running past the staleness
// bound.
//
// Two leases guard execution. The Ticker holds the batch lease
// ("runs-tick") while it drains the queue, so at most one batch runs at a
// time. The Machine holds a per-run lease ("run:{id}") for the whole of each
// execution, so a direct execute request and a tick can never process the
// same run twice.
//
// Stored keys:
//
//	run:{project}:{run}    run record
//	queue:{seq}            queue entry, seq zero padded to 20 digits
//	runs:seq               run sequence counter
//	latest-run:{project}   id of the newest run in a project
//	latest-run             pointer to the most recently created run
package runs
