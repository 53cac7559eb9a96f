// Package config holds the orchestrator configuration surface: pool bounds,
// health checking, restart policy and transport settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/moznion/go-optional"
	"gopkg.in/yaml.v3"
)

// PoolConfig bounds the warm process pool.
type PoolConfig struct {
	MinSize int `yaml:"min_size" json:"min_size" jsonschema:"title=Min Pool Size,description=Number of pre-spawned workers kept warm,minimum=0" validate:"min=0"`
	MaxSize int `yaml:"max_size" json:"max_size" jsonschema:"title=Max Pool Size,description=Upper bound on concurrently managed workers,minimum=1" validate:"min=1"`
}

// HealthCheckConfig drives the supervisor's periodic health scan.
type HealthCheckConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout" jsonschema:"title=Heartbeat Timeout,description=A worker is unhealthy once its last heartbeat is older than this"`
	CheckInterval    time.Duration `yaml:"check_interval" json:"check_interval" jsonschema:"title=Check Interval,description=Interval between supervisor health scans"`
}

// RestartPolicy bounds automatic worker recovery.
type RestartPolicy struct {
	MaxRestarts int           `yaml:"max_restarts" json:"max_restarts" jsonschema:"title=Max Restarts,description=Consecutive health-triggered restarts before a worker is left in permanent error,minimum=0" validate:"min=0"`
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base" jsonschema:"title=Backoff Base,description=Base delay before the first restart"`
	BackoffCap  time.Duration `yaml:"backoff_cap" json:"backoff_cap" jsonschema:"title=Backoff Cap,description=Upper bound on the exponential restart backoff"`
}

// TransportConfig configures the coordinator's channel endpoints.
type TransportConfig struct {
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr" jsonschema:"title=Listen Address,description=Address the channel server binds to" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" jsonschema:"title=Request Timeout,description=Timeout for a control request/reply round trip"`
	GracePeriod    time.Duration `yaml:"grace_period" json:"grace_period" jsonschema:"title=Grace Period,description=Time a worker gets to acknowledge STOP before being force-killed"`
}

// Config is the top-level orchestrator configuration.
type Config struct {
	Pool      PoolConfig             `yaml:"pool" json:"pool" jsonschema:"title=Pool"`
	Health    HealthCheckConfig      `yaml:"health" json:"health" jsonschema:"title=Health"`
	Restart   RestartPolicy          `yaml:"restart" json:"restart" jsonschema:"title=Restart"`
	Transport TransportConfig        `yaml:"transport" json:"transport" jsonschema:"title=Transport"`
	JournalPath optional.Option[string] `yaml:"journal_path" json:"journal_path" jsonschema:"title=Journal Path,description=Optional path for the DuckDB lifecycle journal"`
	WorkerBinary optional.Option[string] `yaml:"worker_binary" json:"worker_binary" jsonschema:"title=Worker Binary,description=Optional path to the worker binary; defaults to re-executing the current binary"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	return Config{
		Pool: PoolConfig{
			MinSize: 2,
			MaxSize: 16,
		},
		Health: HealthCheckConfig{
			HeartbeatTimeout: 5 * time.Second,
			CheckInterval:    time.Second,
		},
		Restart: RestartPolicy{
			MaxRestarts: 3,
			BackoffBase: 500 * time.Millisecond,
			BackoffCap:  30 * time.Second,
		},
		Transport: TransportConfig{
			ListenAddr:     "127.0.0.1:7420",
			RequestTimeout: 10 * time.Second,
			GracePeriod:    5 * time.Second,
		},
		JournalPath:  optional.None[string](),
		WorkerBinary: optional.None[string](),
	}
}

// UnmarshalYAML implements custom unmarshaling for Config. Durations are
// written as Go duration strings ("500ms", "5s") in YAML.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawConfig struct {
		Pool struct {
			MinSize int `yaml:"min_size"`
			MaxSize int `yaml:"max_size"`
		} `yaml:"pool"`
		Health struct {
			HeartbeatTimeout string `yaml:"heartbeat_timeout"`
			CheckInterval    string `yaml:"check_interval"`
		} `yaml:"health"`
		Restart struct {
			MaxRestarts int    `yaml:"max_restarts"`
			BackoffBase string `yaml:"backoff_base"`
			BackoffCap  string `yaml:"backoff_cap"`
		} `yaml:"restart"`
		Transport struct {
			ListenAddr     string `yaml:"listen_addr"`
			RequestTimeout string `yaml:"request_timeout"`
			GracePeriod    string `yaml:"grace_period"`
		} `yaml:"transport"`
		JournalPath  *string `yaml:"journal_path"`
		WorkerBinary *string `yaml:"worker_binary"`
	}

	defaults := DefaultConfig()

	var raw rawConfig
	if err := unmarshal(&raw); err != nil {
		return err
	}

	c.Pool = PoolConfig{MinSize: raw.Pool.MinSize, MaxSize: raw.Pool.MaxSize}
	c.Restart.MaxRestarts = raw.Restart.MaxRestarts
	c.Transport.ListenAddr = raw.Transport.ListenAddr

	durations := []struct {
		value    string
		fallback time.Duration
		target   *time.Duration
	}{
		{raw.Health.HeartbeatTimeout, defaults.Health.HeartbeatTimeout, &c.Health.HeartbeatTimeout},
		{raw.Health.CheckInterval, defaults.Health.CheckInterval, &c.Health.CheckInterval},
		{raw.Restart.BackoffBase, defaults.Restart.BackoffBase, &c.Restart.BackoffBase},
		{raw.Restart.BackoffCap, defaults.Restart.BackoffCap, &c.Restart.BackoffCap},
		{raw.Transport.RequestTimeout, defaults.Transport.RequestTimeout, &c.Transport.RequestTimeout},
		{raw.Transport.GracePeriod, defaults.Transport.GracePeriod, &c.Transport.GracePeriod},
	}

	for _, d := range durations {
		if d.value == "" {
			*d.target = d.fallback

			continue
		}

		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.value, err)
		}

		*d.target = parsed
	}

	if raw.Transport.ListenAddr == "" {
		c.Transport.ListenAddr = defaults.Transport.ListenAddr
	}

	if raw.JournalPath != nil {
		c.JournalPath = optional.Some(*raw.JournalPath)
	} else {
		c.JournalPath = optional.None[string]()
	}

	if raw.WorkerBinary != nil {
		c.WorkerBinary = optional.Some(*raw.WorkerBinary)
	} else {
		c.WorkerBinary = optional.None[string]()
	}

	return nil
}

// Load reads and validates a YAML config file, falling back to defaults for
// omitted fields.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(raw)
}

// Parse parses and validates YAML config bytes.
func Parse(raw []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Validate checks field constraints and cross-field invariants.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("invalid config: pool max_size %d is below min_size %d", c.Pool.MaxSize, c.Pool.MinSize)
	}

	if c.Health.HeartbeatTimeout <= 0 || c.Health.CheckInterval <= 0 {
		return fmt.Errorf("invalid config: health durations must be positive")
	}

	if c.Restart.BackoffBase <= 0 || c.Restart.BackoffCap < c.Restart.BackoffBase {
		return fmt.Errorf("invalid config: backoff_cap must be at least backoff_base and both positive")
	}

	return nil
}

// GenerateSchema generates a JSON schema for the Config.
func (c *Config) GenerateSchema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(time.Duration(0)) {
				return &jsonschema.Schema{
					Type:        "string",
					Description: "Go duration string, e.g. 500ms or 5s",
				}
			}
			if t.String() == "optional.Option[string]" {
				return &jsonschema.Schema{
					Type: "string",
				}
			}
			return nil
		},
	}

	schema := reflector.Reflect(c)

	schema.Title = "orchestrator-config"
	schema.Description = "Configuration schema for the worker orchestrator"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return schema, nil
}

// GenerateSchemaJSON generates a JSON schema string for the Config.
func (c *Config) GenerateSchemaJSON() (string, error) {
	schema, err := c.GenerateSchema()
	if err != nil {
		return "", err
	}

	schemaBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}

	return string(schemaBytes), nil
}
