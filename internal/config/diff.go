package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: connection
// settings (CRM, embeddings, vector backend) require a restart because the
// clients built from them are long-lived.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SyncChanged is true if any sync tuning knob changed. The new values
	// apply from the next sync run.
	SyncChanged bool
	NewSync     SyncConfig

	// BreakerChanged is true if breaker tuning changed. Applying it requires
	// rebuilding the breakers, which is only safe while no sync is running.
	BreakerChanged bool
	NewBreaker     BreakerConfig

	// RestartRequired is true if a non-hot-reloadable section (crm,
	// embeddings, vector) changed.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Sync != new.Sync {
		d.SyncChanged = true
		d.NewSync = new.Sync
	}

	if old.Breaker != new.Breaker {
		d.BreakerChanged = true
		d.NewBreaker = new.Breaker
	}

	if old.CRM != new.CRM || old.Embeddings != new.Embeddings || old.Vector != new.Vector {
		d.RestartRequired = true
	}

	return d
}
