// Package storage is the durable catalogue of users, groups and scheduled
// tweets. It is the single source of truth for the dispatcher: timers are
// derived from it and every fire outcome is written back to it.
package storage
