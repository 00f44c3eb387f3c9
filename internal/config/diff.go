package config

import (
	"reflect"

	logx "autochirp/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections plus safe log
// attributes (never secrets).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 8)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.String("publisher.driver", newCfg.Publisher.Driver),
			logx.Bool("publisher.dry_run", newCfg.Publisher.DryRun),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.max_len", newCfg.Dispatcher.MaxLen),
			logx.String("dispatcher.app_domain", newCfg.Dispatcher.AppDomain),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.reconcile", newCfg.Scheduler.Reconcile))
	}
	if !reflect.DeepEqual(oldCfg.Observability, newCfg.Observability) {
		changed = append(changed, "observability")
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		if newCfg.Alerts != nil {
			attrs = append(attrs, logx.Bool("alerts.enabled", newCfg.Alerts.Enabled))
		}
	}
	if oldCfg.ShutdownTimeout != newCfg.ShutdownTimeout {
		changed = append(changed, "shutdown_timeout")
	}
	return changed, attrs
}

// RequiresRestart reports sections whose changes are not applied live.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "storage", "publisher", "scheduler":
			out = append(out, c)
		}
	}
	return out
}
