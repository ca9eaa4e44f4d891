// Package config loads the aggregation engine settings from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"voxelstash.ai/internal/stash/model"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	// Range in blocks around the actor. <= 0 means unbounded.
	Range int `yaml:"range" env:"RANGE"`

	Enable Enable `yaml:"enable" envPrefix:"ENABLE_"`

	RespectLockedSlots    bool `yaml:"respect_locked_slots" env:"RESPECT_LOCKED_SLOTS"`
	AllowLockedContainers bool `yaml:"allow_locked_containers" env:"ALLOW_LOCKED_CONTAINERS"`

	// StoragePriority ranks source kinds for removal, first drained first.
	// Kinds left out are appended in default order.
	StoragePriority []string `yaml:"storage_priority" env:"STORAGE_PRIORITY" envSeparator:","`

	LockExpirySeconds int `yaml:"lock_expiry_seconds" env:"LOCK_EXPIRY_SECONDS"`

	Scan   Scan   `yaml:"scan" envPrefix:"SCAN_"`
	Counts Counts `yaml:"counts" envPrefix:"COUNTS_"`
	Locks  Locks  `yaml:"locks" envPrefix:"LOCKS_"`
}

type Enable struct {
	Containers   bool `yaml:"containers" env:"CONTAINERS"`
	Vehicles     bool `yaml:"vehicles" env:"VEHICLES"`
	Drones       bool `yaml:"drones" env:"DRONES"`
	Workstations bool `yaml:"workstations" env:"WORKSTATIONS"`
	Collectors   bool `yaml:"collectors" env:"COLLECTORS"`
}

type Scan struct {
	CooldownMs     int `yaml:"cooldown_ms" env:"COOLDOWN_MS"`
	MoveThreshold  int `yaml:"move_threshold" env:"MOVE_THRESHOLD"`
	ReaperInterval int `yaml:"reaper_interval_ms" env:"REAPER_INTERVAL_MS"`

	// Method selection cost model.
	AlwaysCheapRange        int     `yaml:"always_cheap_range" env:"ALWAYS_CHEAP_RANGE"`
	PartitionSize           int     `yaml:"partition_size" env:"PARTITION_SIZE"`
	IterationCostMultiplier float64 `yaml:"iteration_cost_multiplier" env:"ITERATION_COST_MULTIPLIER"`
}

type Counts struct {
	FreshnessWindowMs int `yaml:"freshness_window_ms" env:"FRESHNESS_WINDOW_MS"`
}

type Locks struct {
	OrphanRetentionSeconds int `yaml:"orphan_retention_seconds" env:"ORPHAN_RETENTION_SECONDS"`
}

func Defaults() Config {
	return Config{
		Range: 64,
		Enable: Enable{
			Containers:   true,
			Vehicles:     true,
			Drones:       true,
			Workstations: true,
			Collectors:   true,
		},
		RespectLockedSlots:    true,
		AllowLockedContainers: false,
		StoragePriority:       []string{"workstation", "container", "vehicle", "drone", "collector"},
		LockExpirySeconds:     300,
		Scan: Scan{
			CooldownMs:              2000,
			MoveThreshold:           8,
			ReaperInterval:          30000,
			AlwaysCheapRange:        32,
			PartitionSize:           16,
			IterationCostMultiplier: 0.25,
		},
		Counts: Counts{FreshnessWindowMs: 100},
		Locks:  Locks{OrphanRetentionSeconds: 60},
	}
}

// Load reads path over Defaults and then applies STASH_* environment overrides.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	if err := ApplyEnv(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// ApplyEnv overrides fields from STASH_* variables. Unset variables leave the
// current value alone.
func ApplyEnv(c *Config) error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: "STASH_"}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := c.Priority(); err != nil {
		errs = append(errs, err)
	}
	if c.Scan.PartitionSize <= 0 {
		errs = append(errs, fmt.Errorf("scan.partition_size must be > 0, got %d", c.Scan.PartitionSize))
	}
	if c.Scan.IterationCostMultiplier < 0 {
		errs = append(errs, fmt.Errorf("scan.iteration_cost_multiplier must be >= 0"))
	}
	if c.Scan.CooldownMs < 0 || c.Scan.ReaperInterval < 0 || c.Counts.FreshnessWindowMs < 0 {
		errs = append(errs, fmt.Errorf("durations must be >= 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Priority parses StoragePriority. Duplicates are rejected; kinds not listed
// follow in default order.
func (c Config) Priority() ([]model.Kind, error) {
	seen := map[model.Kind]bool{}
	out := make([]model.Kind, 0, len(model.AllKinds))
	for _, s := range c.StoragePriority {
		k, err := model.ParseKind(s)
		if err != nil {
			return nil, fmt.Errorf("storage_priority: %w", err)
		}
		if seen[k] {
			return nil, fmt.Errorf("storage_priority: %s listed twice", k)
		}
		seen[k] = true
		out = append(out, k)
	}
	for _, k := range model.AllKinds {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

func (c Config) Enabled(k model.Kind) bool {
	switch k {
	case model.KindContainer:
		return c.Enable.Containers
	case model.KindVehicle:
		return c.Enable.Vehicles
	case model.KindDrone:
		return c.Enable.Drones
	case model.KindWorkstation:
		return c.Enable.Workstations
	case model.KindCollector:
		return c.Enable.Collectors
	}
	return false
}

func (c Config) LockExpiry() time.Duration {
	if c.LockExpirySeconds <= 0 {
		return 0
	}
	return time.Duration(c.LockExpirySeconds) * time.Second
}

func (c Config) Cooldown() time.Duration       { return ms(c.Scan.CooldownMs) }
func (c Config) ReaperInterval() time.Duration { return ms(c.Scan.ReaperInterval) }
func (c Config) FreshnessWindow() time.Duration {
	return ms(c.Counts.FreshnessWindowMs)
}

func (c Config) OrphanRetention() time.Duration {
	return time.Duration(c.Locks.OrphanRetentionSeconds) * time.Second
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
