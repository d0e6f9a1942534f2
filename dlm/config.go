// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"time"

	"github.com/spf13/viper"
)

// Config carries the knobs spec.md §6 names, plus the ambient logging
// config the teacher's configStruct always carried alongside its
// domain-specific ones. Filled field-by-field from a viper.Viper the way
// the teacher's initializeGlobals filled configStruct field-by-field from
// a conf.ConfMap.
type Config struct {
	// EnqueueMinSeconds is enqueue_min from spec.md §6: the floor under
	// the computed completion-wait timeout T = max(3*estimate, this).
	EnqueueMinSeconds int

	// CancelUnusedLocksBeforeReplay gates the pre-replay LRU drain in
	// spec.md §4.4 step 3.
	CancelUnusedLocksBeforeReplay bool

	// MaxUnused and MaxAge are per-namespace LRU bounds (spec.md §3).
	MaxUnused int
	MaxAge    time.Duration

	// AdaptiveTimeoutEnabled toggles whether the completion-wait timeout
	// is derived from the namespace's adaptive-timeout estimator; when
	// false the timeout is EnqueueMinSeconds. Completion waits feed the
	// estimator either way (spec.md §4.1).
	AdaptiveTimeoutEnabled bool

	// GatewayDeadlineIO and GatewayKeepAlivePeriod mirror the teacher's
	// RetryRPCDeadlineIO / RetryRPCKeepAlivePeriod knobs for the RPC
	// gateway (spec.md §1's "RPC transport" external collaborator).
	GatewayDeadlineIO      time.Duration
	GatewayKeepAlivePeriod time.Duration

	LogFilePath  string
	LogToConsole bool
	TraceEnabled bool
}

// DefaultConfig returns the configuration the teacher's own .conf sample
// would resolve to for the fields this engine cares about.
func DefaultConfig() Config {
	return Config{
		EnqueueMinSeconds:             1,
		CancelUnusedLocksBeforeReplay: true,
		MaxUnused:                     1024,
		MaxAge:                        20 * time.Minute,
		AdaptiveTimeoutEnabled:        true,
		GatewayDeadlineIO:             60 * time.Second,
		GatewayKeepAlivePeriod:        60 * time.Second,
		LogToConsole:                  true,
	}
}

// LoadConfig reads a Config out of v the way the teacher's
// initializeGlobals reads a configStruct out of a conf.ConfMap: one
// FetchOptionValue call per field, falling back to DefaultConfig()'s
// value for anything absent.
func LoadConfig(v *viper.Viper) Config {
	cfg := DefaultConfig()

	v.SetDefault("dlm.enqueue_min_seconds", cfg.EnqueueMinSeconds)
	v.SetDefault("dlm.cancel_unused_locks_before_replay", cfg.CancelUnusedLocksBeforeReplay)
	v.SetDefault("dlm.max_unused", cfg.MaxUnused)
	v.SetDefault("dlm.max_age", cfg.MaxAge)
	v.SetDefault("dlm.adaptive_timeout_enabled", cfg.AdaptiveTimeoutEnabled)
	v.SetDefault("dlm.gateway_deadline_io", cfg.GatewayDeadlineIO)
	v.SetDefault("dlm.gateway_keep_alive_period", cfg.GatewayKeepAlivePeriod)
	v.SetDefault("dlm.log_file_path", cfg.LogFilePath)
	v.SetDefault("dlm.log_to_console", cfg.LogToConsole)
	v.SetDefault("dlm.trace_enabled", cfg.TraceEnabled)

	cfg.EnqueueMinSeconds = v.GetInt("dlm.enqueue_min_seconds")
	cfg.CancelUnusedLocksBeforeReplay = v.GetBool("dlm.cancel_unused_locks_before_replay")
	cfg.MaxUnused = v.GetInt("dlm.max_unused")
	cfg.MaxAge = v.GetDuration("dlm.max_age")
	cfg.AdaptiveTimeoutEnabled = v.GetBool("dlm.adaptive_timeout_enabled")
	cfg.GatewayDeadlineIO = v.GetDuration("dlm.gateway_deadline_io")
	cfg.GatewayKeepAlivePeriod = v.GetDuration("dlm.gateway_keep_alive_period")
	cfg.LogFilePath = v.GetString("dlm.log_file_path")
	cfg.LogToConsole = v.GetBool("dlm.log_to_console")
	cfg.TraceEnabled = v.GetBool("dlm.trace_enabled")

	return cfg
}
