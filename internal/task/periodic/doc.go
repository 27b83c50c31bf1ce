// Package periodic triggers recurring maintenance sweeps (alarm rollover,
// ledger reconciliation) on cron or interval schedules. It only triggers;
// execution happens in the task engine.
package periodic
