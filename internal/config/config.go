// Package config holds the Configuration record (§6) the kernel is built
// from, and the YAML loader that produces it. The loader is the one piece
// of the ambient stack the spec calls out as belonging to an external
// collaborator (§1); it is still carried here in full because this
// repository must be able to stand up a runtime from an operator-edited
// file, and the validated record is what every other component consumes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anolis-robotics/anolis-core/internal/mode"
	"github.com/anolis-robotics/anolis-core/internal/obslog"
	"github.com/anolis-robotics/anolis-core/internal/router"
)

// RestartPolicy governs the Supervisor's crash-recovery behavior for one
// provider (§3).
type RestartPolicy struct {
	Enabled         bool            `yaml:"enabled"`
	MaxAttempts     int             `yaml:"max_attempts"`
	BackoffMs       []int           `yaml:"backoff_ms"`
	AttemptTimeout  time.Duration   `yaml:"attempt_timeout"`
	StabilityWindow time.Duration   `yaml:"stability_window"`
}

// ProviderConfig is immutable after load (§3).
type ProviderConfig struct {
	ID              string        `yaml:"id"`
	ExecutablePath  string        `yaml:"executable_path"`
	Args            []string      `yaml:"args"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	HelloTimeout    time.Duration `yaml:"hello_timeout"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Restart         RestartPolicy `yaml:"restart"`
}

// Configuration is the full validated record produced by Load (§6).
type Configuration struct {
	Providers           []ProviderConfig    `yaml:"providers"`
	PollingInterval     time.Duration       `yaml:"polling_interval"`
	DefaultStaleAfter   time.Duration       `yaml:"default_stale_after"`
	Mode                mode.RuntimeMode    `yaml:"-"` // always IDLE at startup, never loaded from file
	Automation          AutomationConfig    `yaml:"automation"`
	EventEmitterCapacity int                `yaml:"event_emitter_capacity"`
	MaxSubscribers      int                 `yaml:"max_subscribers"`
}

// AutomationConfig holds the automation flag and the policy that decides
// whether operator (non-automated) calls are accepted while the runtime
// is in AUTO mode (§4.6).
type AutomationConfig struct {
	Enabled bool          `yaml:"enabled"`
	Policy  router.AutoPolicy `yaml:"policy"`
}

// rawConfiguration mirrors Configuration but with Policy/fields typed as
// strings, so Load can validate and translate them with a specific error
// message rather than relying on yaml's own (less precise) enum handling.
type rawConfiguration struct {
	Providers []struct {
		ID               string   `yaml:"id"`
		ExecutablePath   string   `yaml:"executable_path"`
		Args             []string `yaml:"args"`
		OperationTimeoutMs int    `yaml:"operation_timeout_ms"`
		HelloTimeoutMs   int      `yaml:"hello_timeout_ms"`
		ReadyTimeoutMs   int      `yaml:"ready_timeout_ms"`
		ShutdownTimeoutMs int     `yaml:"shutdown_timeout_ms"`
		Restart          struct {
			Enabled              bool  `yaml:"enabled"`
			MaxAttempts          int   `yaml:"max_attempts"`
			BackoffMs            []int `yaml:"backoff_ms"`
			AttemptTimeoutMs     int   `yaml:"attempt_timeout_ms"`
			StabilityWindowMs    int   `yaml:"stability_window_ms"`
		} `yaml:"restart"`
	} `yaml:"providers"`
	PollingIntervalMs   int    `yaml:"polling_interval_ms"`
	DefaultStaleAfterMs int    `yaml:"default_stale_after_ms"`
	Automation          struct {
		Enabled bool   `yaml:"enabled"`
		Policy  string `yaml:"policy"`
	} `yaml:"automation"`
	EventEmitterCapacity int `yaml:"event_emitter_capacity"`
	MaxSubscribers       int `yaml:"max_subscribers"`
}

// Load reads and validates a Configuration from path. Unknown fields
// produce warnings (logged through logger), not errors, per §6.
func Load(path string, logger *obslog.Logger) (Configuration, error) {
	if logger == nil {
		logger = obslog.Default("config")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, logger)
}

// Parse decodes and validates Configuration from raw YAML bytes.
func Parse(data []byte, logger *obslog.Logger) (Configuration, error) {
	if logger == nil {
		logger = obslog.Default("config")
	}

	warnUnknownFields(data, logger)

	var raw rawConfiguration
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Configuration{}, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg := Configuration{
		PollingInterval:      durationOrDefault(raw.PollingIntervalMs, 500*time.Millisecond),
		DefaultStaleAfter:    durationOrDefault(raw.DefaultStaleAfterMs, 2000*time.Millisecond),
		Mode:                 mode.Idle,
		EventEmitterCapacity: intOrDefault(raw.EventEmitterCapacity, 32),
		MaxSubscribers:       intOrDefault(raw.MaxSubscribers, 64),
	}

	cfg.Automation.Enabled = raw.Automation.Enabled
	switch raw.Automation.Policy {
	case "", "BLOCK":
		cfg.Automation.Policy = router.AutoPolicyBlock
	case "OVERRIDE":
		cfg.Automation.Policy = router.AutoPolicyOverride
	default:
		return Configuration{}, fmt.Errorf("config: automation.policy %q is not BLOCK or OVERRIDE", raw.Automation.Policy)
	}

	for _, p := range raw.Providers {
		if p.ID == "" {
			return Configuration{}, fmt.Errorf("config: provider with empty id")
		}
		if p.ExecutablePath == "" {
			return Configuration{}, fmt.Errorf("config: provider %q missing executable_path", p.ID)
		}

		restart := RestartPolicy{
			Enabled:         p.Restart.Enabled,
			MaxAttempts:     p.Restart.MaxAttempts,
			BackoffMs:       p.Restart.BackoffMs,
			AttemptTimeout:  durationOrDefault(p.Restart.AttemptTimeoutMs, 5*time.Second),
			StabilityWindow: durationOrDefault(p.Restart.StabilityWindowMs, 30*time.Second),
		}
		if restart.Enabled {
			if restart.MaxAttempts < 1 {
				return Configuration{}, fmt.Errorf("config: provider %q restart.max_attempts must be >= 1", p.ID)
			}
			if len(restart.BackoffMs) != restart.MaxAttempts {
				return Configuration{}, fmt.Errorf(
					"config: provider %q restart.backoff_ms has %d entries, want max_attempts (%d)",
					p.ID, len(restart.BackoffMs), restart.MaxAttempts)
			}
		}

		cfg.Providers = append(cfg.Providers, ProviderConfig{
			ID:               p.ID,
			ExecutablePath:   p.ExecutablePath,
			Args:             p.Args,
			OperationTimeout: durationOrDefault(p.OperationTimeoutMs, 2*time.Second),
			HelloTimeout:     durationOrDefault(p.HelloTimeoutMs, 2*time.Second),
			ReadyTimeout:     durationOrDefault(p.ReadyTimeoutMs, 10*time.Second),
			ShutdownTimeout:  durationOrDefault(p.ShutdownTimeoutMs, 3*time.Second),
			Restart:          restart,
		})
	}

	return cfg, nil
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// knownTopLevelFields lists the Configuration fields Parse recognizes;
// anything else in the document is logged as an unknown-field warning
// rather than rejected (§6: "Unknown fields produce warnings, not
// errors").
var knownTopLevelFields = map[string]bool{
	"providers":              true,
	"polling_interval_ms":    true,
	"default_stale_after_ms": true,
	"automation":             true,
	"event_emitter_capacity": true,
	"max_subscribers":        true,
}

func warnUnknownFields(data []byte, logger *obslog.Logger) {
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return // Parse will surface the real parse error.
	}
	for key := range generic {
		if !knownTopLevelFields[key] {
			logger.Warn("unknown configuration field, ignoring", obslog.String("field", key))
		}
	}
}
