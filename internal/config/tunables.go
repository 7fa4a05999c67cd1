package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Tunables holds the daemon's tuning knobs that are not secrets and so
// are read from a local file instead of the environment: retry counts,
// timeouts, and the tick jitter budget. Any field left unset (zero) in
// the file falls back to its default.
type Tunables struct {
	JoinRetryCount            int `toml:"join_retry_count"`
	PropertyTimeoutSeconds    int `toml:"property_timeout_seconds"`
	ActiveScanDurationExpCap  int `toml:"active_scan_duration_exp_cap"`
	TickJitterBudgetMillis    int `toml:"tick_jitter_budget_millis"`
}

// DefaultTunablesPath is the conventional name of the optional tunables
// file, resolved against the working directory. None of the operator
// binaries calls LoadTunables; their join retry count and property
// timeout are fixed in the session and propertyclient packages.
const DefaultTunablesPath = "routeb-meterd.toml"

func defaultTunables() Tunables {
	return Tunables{
		JoinRetryCount:           3,
		PropertyTimeoutSeconds:   20,
		ActiveScanDurationExpCap: 8,
		TickJitterBudgetMillis:   250,
	}
}

// LoadTunables reads path if it exists, overlaying any present fields on
// top of the defaults; a missing file is not an error, since the
// tunables file itself is optional.
func LoadTunables(path string) (Tunables, error) {
	t := defaultTunables()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return Tunables{}, fmt.Errorf("config: read tunables %q: %w", path, err)
	}

	var file Tunables
	if err := toml.Unmarshal(data, &file); err != nil {
		return Tunables{}, fmt.Errorf("config: parse tunables %q: %w", path, err)
	}

	if file.JoinRetryCount > 0 {
		t.JoinRetryCount = file.JoinRetryCount
	}
	if file.PropertyTimeoutSeconds > 0 {
		t.PropertyTimeoutSeconds = file.PropertyTimeoutSeconds
	}
	if file.ActiveScanDurationExpCap > 0 {
		t.ActiveScanDurationExpCap = file.ActiveScanDurationExpCap
	}
	if file.TickJitterBudgetMillis > 0 {
		t.TickJitterBudgetMillis = file.TickJitterBudgetMillis
	}
	return t, nil
}
