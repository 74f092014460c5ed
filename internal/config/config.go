// Package config loads and validates the adsorbflow YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// DefaultPath is the config file used when none is given.
const DefaultPath = "configs/default.yaml"

// Config represents the complete configuration structure.
type Config struct {
	Log         Log         `yaml:"log"`
	Store       Store       `yaml:"store"`
	Enumerate   Enumerate   `yaml:"enumerate"`
	Sample      Sample      `yaml:"sample"`
	Materialize Materialize `yaml:"materialize"`
	Relax       Relax       `yaml:"relax"`
	Verify      Verify      `yaml:"verify"`
	Dataset     Dataset     `yaml:"dataset"`
	Lock        Lock        `yaml:"lock"`
	Evaluator   Evaluator   `yaml:"evaluator"`
	Metrics     Metrics     `yaml:"metrics"`
	Worker      Worker      `yaml:"worker"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// Store names the store files of each pipeline stage.
type Store struct {
	Enumerated  string        `yaml:"enumerated" validate:"required"`
	Sampled     string        `yaml:"sampled" validate:"required"`
	Verified    string        `yaml:"verified" validate:"required"`
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// AdsorbateFile is one adsorbate definition.
type AdsorbateFile struct {
	File    string `yaml:"file" validate:"required"`
	Binding int    `yaml:"binding" validate:"gte=0"`
}

// Enumerate configures the enumeration engine.
type Enumerate struct {
	Template     string          `yaml:"template"`
	Adsorbates   []AdsorbateFile `yaml:"adsorbates" validate:"dive"`
	Eligible     []int           `yaml:"eligible" validate:"dive,gte=0"`
	MaxSize      int             `yaml:"max_size" validate:"gte=1"`
	Placeholders []string        `yaml:"placeholders" validate:"dive,required"`
}

// Bound is one coverage range.
type Bound struct {
	Species string  `yaml:"species" validate:"required"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max" validate:"gtefield=Min"`
}

// Sample configures the sampler.
type Sample struct {
	Bounds   []Bound `yaml:"bounds" validate:"dive"`
	Count    int     `yaml:"count" validate:"gte=0"`
	MaxSites int     `yaml:"max_sites" validate:"gte=0"`
	Seed     uint64  `yaml:"seed"`
}

// Materialize configures working directory output.
type Materialize struct {
	SlabDir         string             `yaml:"slab_dir" validate:"required"`
	SampledDir      string             `yaml:"sampled_dir" validate:"required"`
	FreezeHeight    float64            `yaml:"freeze_height"`
	FreezeTolerance float64            `yaml:"freeze_tolerance" validate:"gte=0"`
	Magmoms         map[string]float64 `yaml:"magmoms"`
	Concurrency     int                `yaml:"concurrency" validate:"gte=0"`
}

// Relax configures the relaxation drivers.
type Relax struct {
	OutDir        string  `yaml:"out_dir" validate:"required"`
	Fmax          float64 `yaml:"fmax" validate:"gt=0"`
	Steps         int     `yaml:"steps" validate:"gt=0"`
	MaxStep       float64 `yaml:"max_step" validate:"gt=0"`
	FirstID       int64   `yaml:"first_id" validate:"gte=1"`
	Width         int64   `yaml:"width" validate:"gt=0"`
	ArrayIndexEnv string  `yaml:"array_index_env"`
	SyncOnAppend  bool    `yaml:"sync_on_append"`
	// Output is the store receiving relaxed shard records, keyed by source
	// id. Empty updates the source records in place.
	Output string `yaml:"output"`
}

// Verify configures single-point verification.
type Verify struct {
	// Query selects the source ids to verify; empty means all.
	Query string `yaml:"query"`
	Owner string `yaml:"owner"`
	// Lease after which an unrefreshed reservation counts as abandoned.
	Lease time.Duration `yaml:"lease" validate:"gte=0"`
}

// Dataset configures the training dataset builder.
type Dataset struct {
	// SlabDir holds the relaxed slab working directories.
	SlabDir string `yaml:"slab_dir" validate:"required"`
	// GasDir holds the relaxed gas molecule working directories.
	GasDir string `yaml:"gas_dir" validate:"required"`
	Output string `yaml:"output" validate:"required"`

	DesorbHeight        float64 `yaml:"desorb_height" validate:"gte=0"`
	BondStretch         float64 `yaml:"bond_stretch" validate:"gte=0"`
	SurfaceDisplacement float64 `yaml:"surface_displacement" validate:"gte=0"`
}

// Redis configures a Redis connection.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
}

// Lock selects the reservation lock backend.
type Lock struct {
	Backend string `yaml:"backend" validate:"oneof=none file redis"`
	Dir     string `yaml:"dir" validate:"required_if=Backend file"`
	Redis   Redis  `yaml:"redis"`
}

// LennardJones configures the reference evaluator.
type LennardJones struct {
	Epsilon float64 `yaml:"epsilon" validate:"gt=0"`
	Sigma   float64 `yaml:"sigma" validate:"gt=0"`
	Cutoff  float64 `yaml:"cutoff" validate:"gte=0"`
}

// Remote configures the gRPC evaluator client.
type Remote struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Evaluator selects the evaluator implementation.
type Evaluator struct {
	Kind   string       `yaml:"kind" validate:"oneof=lj remote"`
	LJ     LennardJones `yaml:"lj"`
	Remote Remote       `yaml:"remote"`
	// Listen is the address serve-evaluator binds to.
	Listen string `yaml:"listen"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// Worker configures the working directory pool.
type Worker struct {
	Count       int           `yaml:"count" validate:"gte=1"`
	TaskTimeout time.Duration `yaml:"task_timeout" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info", Format: "console"},
		Store: Store{
			Enumerated:  "data/enumerated.db",
			Sampled:     "data/sampled.db",
			Verified:    "data/verified.db",
			BusyTimeout: 5 * time.Second,
		},
		Enumerate: Enumerate{MaxSize: 2},
		Sample:    Sample{Count: 100},
		Materialize: Materialize{
			SlabDir:         "data/slabs",
			SampledDir:      "data/sampled",
			FreezeTolerance: 0.1,
			Concurrency:     4,
		},
		Relax: Relax{
			OutDir:        "data/relax",
			Fmax:          0.05,
			Steps:         200,
			MaxStep:       0.2,
			FirstID:       1,
			Width:         50,
			ArrayIndexEnv: "SLURM_ARRAY_TASK_ID",
		},
		Verify: Verify{Lease: time.Minute},
		Dataset: Dataset{
			SlabDir:             "data/slabs",
			GasDir:              "data/gas",
			Output:              "data/training.db",
			DesorbHeight:        1.5,
			BondStretch:         1.5,
			SurfaceDisplacement: 1.0,
		},
		Lock:      Lock{Backend: "none", Redis: Redis{Addr: "localhost:6379", TTL: 30 * time.Second}},
		Evaluator: Evaluator{Kind: "lj", LJ: LennardJones{Epsilon: 0.1, Sigma: 2.5}, Remote: Remote{Timeout: 10 * time.Minute}, Listen: ":50051"},
		Metrics:   Metrics{Addr: ":9090"},
		Worker:    Worker{Count: 4},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the struct constraints and the cross-section rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Lock.Backend == "redis" && c.Lock.Redis.Addr == "" {
		return fmt.Errorf("%w: lock.redis.addr is required for the redis backend", ErrInvalidConfig)
	}
	if c.Evaluator.Kind == "remote" && c.Evaluator.Remote.Addr == "" {
		return fmt.Errorf("%w: evaluator.remote.addr is required for the remote evaluator", ErrInvalidConfig)
	}
	return nil
}

// ArrayIndex returns the batch array index from the configured environment
// variable. ok is false when the variable is unset or empty.
func (c *Config) ArrayIndex() (index int64, ok bool, err error) {
	if c.Relax.ArrayIndexEnv == "" {
		return 0, false, nil
	}
	raw := strings.TrimSpace(os.Getenv(c.Relax.ArrayIndexEnv))
	if raw == "" {
		return 0, false, nil
	}
	index, err = strconv.ParseInt(raw, 10, 64)
	if err != nil || index < 0 {
		return 0, false, fmt.Errorf("%w: %s=%q is not a non-negative integer", ErrInvalidConfig, c.Relax.ArrayIndexEnv, raw)
	}
	return index, true, nil
}
