// Package config holds the pipe's tunable surface (the "valves") and its
// YAML file form.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tamarindmonkey/orpipe/pkg/backoff"
)

// Duration is a time.Duration that unmarshals from YAML strings like "2s".
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("config: bad duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: bad duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Valves is the full configuration surface, with defaults suitable for the
// public upstream endpoint.
type Valves struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	NamePrefix string `yaml:"name_prefix"`
	FreeSuffix string `yaml:"free_suffix"`

	AttemptsPerBurst int      `yaml:"attempts_per_burst"`
	AttemptDelayMin  Duration `yaml:"attempt_delay_min"`
	AttemptDelayMax  Duration `yaml:"attempt_delay_max"`
	BurstsPerCycle   int      `yaml:"bursts_per_cycle"`
	BurstPauseMin    Duration `yaml:"burst_pause_min"`
	BurstPauseMax    Duration `yaml:"burst_pause_max"`
	Cycles           int      `yaml:"cycles"`
	CyclePause       Duration `yaml:"cycle_pause"`

	Notifications  bool     `yaml:"notifications"`
	RequestTimeout Duration `yaml:"request_timeout"`

	// RequestsPerSecond throttles outbound calls client-side. 0 disables.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// ForceBuffered downgrades streaming requests to buffered mode.
	ForceBuffered bool `yaml:"force_buffered"`

	ModelInclude []string `yaml:"model_include"`
	ModelExclude []string `yaml:"model_exclude"`

	// HistoryPath enables the JSONL retry-history recorder when set.
	HistoryPath string `yaml:"history_path"`

	// Listen is the HTTP front-end address.
	Listen string `yaml:"listen"`
}

// UserValves is the per-user override surface.
type UserValves struct {
	APIKey string `yaml:"api_key"`
}

// Default returns the stock valves.
func Default() Valves {
	sched := backoff.Default()
	return Valves{
		BaseURL:          "https://openrouter.ai/api/v1",
		NamePrefix:       "OpenRouter/",
		FreeSuffix:       "(free)",
		AttemptsPerBurst: sched.AttemptsPerBurst,
		AttemptDelayMin:  Duration(sched.AttemptDelayMin),
		AttemptDelayMax:  Duration(sched.AttemptDelayMax),
		BurstsPerCycle:   sched.BurstsPerCycle,
		BurstPauseMin:    Duration(sched.BurstPauseMin),
		BurstPauseMax:    Duration(sched.BurstPauseMax),
		Cycles:           sched.Cycles,
		CyclePause:       Duration(sched.CyclePause),
		Notifications:    true,
		RequestTimeout:   Duration(30 * time.Second),
		Listen:           ":8787",
	}
}

// Load reads a YAML file over the defaults. A missing path returns defaults.
func Load(path string) (Valves, error) {
	v := Default()
	if path == "" {
		return v, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		return v, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := v.Validate(); err != nil {
		return v, err
	}
	return v, nil
}

// Validate checks the schedule bounds and the timeout.
func (v Valves) Validate() error {
	if err := v.Schedule().Validate(); err != nil {
		return err
	}
	if v.RequestTimeout < 0 {
		return errors.New("config: negative request timeout")
	}
	if v.BaseURL == "" {
		return errors.New("config: base_url required")
	}
	return nil
}

// Schedule maps the valves onto the backoff ladder.
func (v Valves) Schedule() backoff.Schedule {
	return backoff.Schedule{
		AttemptsPerBurst: v.AttemptsPerBurst,
		BurstsPerCycle:   v.BurstsPerCycle,
		Cycles:           v.Cycles,
		AttemptDelayMin:  v.AttemptDelayMin.Std(),
		AttemptDelayMax:  v.AttemptDelayMax.Std(),
		BurstPauseMin:    v.BurstPauseMin.Std(),
		BurstPauseMax:    v.BurstPauseMax.Std(),
		CyclePause:       v.CyclePause.Std(),
	}
}
