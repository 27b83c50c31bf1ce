// Package domain holds the records the escalation engine works on
// (alarms, phones, users, ledger tickets) and the errors its operations return.
package domain
