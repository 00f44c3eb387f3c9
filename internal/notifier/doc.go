// Package notifier delivers operator alerts.
//
// Alerts are small, high-signal messages: a tweet that failed for good, a
// credential that stopped working. The service turns dispatcher events
// into alerts and pushes them through an async pipeline (queue, worker
// pool, rate limit, retry, dedup) to a Sender.
//
// # Transport
//
// Delivery is delegated to a Sender. The Telegram sender posts to one chat
// (optionally a forum thread) with a dedicated bot token, independent of
// the per-user publisher credentials.
//
// # History
//
// The service keeps a small in-memory history of delivered alerts for the
// status endpoint.
package notifier
