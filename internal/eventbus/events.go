package eventbus

// Event types published by the engine. Subscribers match on these strings.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"

	DispatchScheduled = "dispatch.scheduled"
	DispatchFired     = "dispatch.fired"
	DispatchMissed    = "dispatch.missed"
	DispatchCancelled = "dispatch.cancelled"

	AlarmArmed        = "alarm.armed"
	AlarmDisarmed     = "alarm.disarmed"
	AlarmRemoved      = "alarm.removed"
	AlarmRollback     = "alarm.rollback"
	AlarmRollover     = "alarm.rollover"
	AlarmRearmPending = "alarm.rearm_pending"

	LedgerLeak      = "ledger.leak"
	LedgerReconcile = "ledger.reconcile"

	ResponseMatched = "response.matched"
	ResponseUnknown = "response.unknown"

	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDeduped = "notifier.deduped"

	ConfigReloaded = "config.reloaded"
)
