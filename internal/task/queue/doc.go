// Package queue is the dispatch queue: delayed, cancellable, persisted jobs.
//
// Submit records the job in storage before arming an in-process timer, so a
// restart restores anything still pending. When a timer fires the job is
// handed to the task engine with its expiry as the deadline; a job that fires
// past expiry is reported as missed and never executed.
//
// Cancel is best-effort. A pending job is unscheduled; a running job is only
// interrupted when terminate is set; anything else is a no-op.
package queue
