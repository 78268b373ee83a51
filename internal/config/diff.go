package config

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running worker; every other change is reported in
// RestartRequired so the operator can be warned.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the sections whose changes take effect only
	// after a restart, in schema order.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	sections := []struct {
		name    string
		changed bool
	}{
		{"peer", old.Peer != new.Peer},
		{"source", old.Source != new.Source},
		{"sink", old.Sink != new.Sink},
		{"segmenter", old.Segmenter != new.Segmenter},
		{"tracker", old.Tracker != new.Tracker},
		{"breaker", old.Breaker != new.Breaker},
		{"reconnect", old.Reconnect != new.Reconnect},
		{"telemetry", old.Telemetry != new.Telemetry},
	}
	for _, s := range sections {
		if s.changed {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
