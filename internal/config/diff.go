package config

import (
	"fmt"
	"slices"
)

// Change is one setting that differs between two configurations.
type Change struct {
	Field           string `json:"field"`
	Old             string `json:"old"`
	New             string `json:"new"`
	RestartRequired bool   `json:"restart_required"`
}

const redacted = "<redacted>"

// Diff lists the settings that differ. Only the log level and the auth
// tokens can be applied to a running process; everything else is flagged as
// needing a restart.
func Diff(running, next Config) []Change {
	var out []Change
	add := func(field string, before, after any, restart bool) {
		o, n := fmt.Sprint(before), fmt.Sprint(after)
		if o == n {
			return
		}
		out = append(out, Change{Field: field, Old: o, New: n, RestartRequired: restart})
	}

	add("bind_address", running.BindAddress, next.BindAddress, true)
	add("port", running.Port, next.Port, true)
	add("queues", running.Queues, next.Queues, true)
	add("log_file", running.LogFile, next.LogFile, true)
	add("log_level", running.LogLevel, next.LogLevel, false)
	add("log_format", running.LogFormat, next.LogFormat, true)
	add("max_workers", running.MaxWorkers, next.MaxWorkers, true)
	add("storage", running.Storage, next.Storage, true)
	add("database_path", running.DatabasePath, next.DatabasePath, true)
	if running.PostgresDSN != next.PostgresDSN {
		out = append(out, Change{Field: "postgres_dsn", Old: redacted, New: redacted, RestartRequired: true})
	}
	add("pool_size", running.PoolSize, next.PoolSize, true)
	add("pool_timeout", running.PoolTimeout, next.PoolTimeout, true)
	add("tombstones", running.Tombstones, next.Tombstones, true)
	add("tombstone_max_age", running.TombstoneMaxAge, next.TombstoneMaxAge, true)
	add("tombstone_prune_interval", running.TombstonePruneInterval, next.TombstonePruneInterval, true)
	add("grpc_address", running.GRPCAddress, next.GRPCAddress, true)
	add("metrics_address", running.MetricsAddress, next.MetricsAddress, true)
	if !slices.Equal(running.AuthTokens, next.AuthTokens) {
		out = append(out, Change{Field: "auth_tokens", Old: redacted, New: redacted})
	}
	add("tracing", running.Tracing, next.Tracing, true)
	return out
}

// RestartRequired reports whether any change needs a restart.
func RestartRequired(changes []Change) bool {
	for _, c := range changes {
		if c.RestartRequired {
			return true
		}
	}
	return false
}
