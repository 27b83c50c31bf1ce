// Package notifier wraps a gateway.Gateway with the policies every outbound
// call or text needs: a provider rate limit, retries with backoff, and
// delivery-key dedup that survives restarts.
//
// # Dedup
//
// Every delivery carries a key (normally the dispatch job id). Once a key has
// been delivered it is suppressed for DedupWindow, both in memory and through
// storage.DedupStore, so a job replayed after a crash does not ring twice.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries for the
// health endpoint.
package notifier
