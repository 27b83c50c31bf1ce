// Package storage persists users, phones, alarms, ledger tickets, pending
// dispatch jobs, and delivery dedup keys.
//
// Drivers: memory, sqlite (modernc.org/sqlite), postgres (pgx).
package storage
