// Package scheduler owns the in-memory timer registry.
//
// Every armed message holds exactly one one-shot timer keyed by
// (userID, messageID). On expiry the entry is removed under the registry
// mutex, the mutex is released, and only then is the fire func invoked, so a
// slow fire never blocks arming or disarming.
//
// The package also hosts cron triggers for periodic housekeeping jobs.
package scheduler
