// Package config loads runtime configuration from defaults, an optional YAML
// file and ZAKI_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	envPrefix   = "ZAKI"
	configName  = "zaki"
	defaultAddr = ":8080"
)

// Config is the complete runtime configuration. It is passed explicitly to
// every constructor that needs it.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	URL             string        `mapstructure:"url" validate:"required_if=Driver postgres"`
	Path            string        `mapstructure:"path" validate:"required_if=Driver sqlite"`
	ConnectAttempts int           `mapstructure:"connect_attempts" validate:"min=1"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff" validate:"gt=0"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	Port string `mapstructure:"port"` // PORT, used when addr is left at its default
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN WARNING ERROR"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type DispatchConfig struct {
	// ValidateAgents rejects tasks assigned to agents missing from the registry.
	ValidateAgents bool `mapstructure:"validate_agents"`

	// ClaimTimeout is how long a task may stay in_progress before the sweeper
	// fails it. Zero disables the sweeper.
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

type WorkerConfig struct {
	Agent          string        `mapstructure:"agent"`
	ServerURL      string        `mapstructure:"server_url" validate:"required,url"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PlanDir        string        `mapstructure:"plan_dir" validate:"required"`
	ContextResults int           `mapstructure:"context_results" validate:"gte=0"`

	// DocsDir holds the markdown files searched for planning context. Empty
	// disables retrieval.
	DocsDir string `mapstructure:"docs_dir"`

	// Command, when set, generates plan and report text; the prompt is
	// passed on stdin. Empty uses the built-in templates.
	Command []string `mapstructure:"command"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "zaki.db")
	v.SetDefault("database.connect_attempts", 5)
	v.SetDefault("database.connect_backoff", "500ms")

	v.SetDefault("server.addr", defaultAddr)
	v.SetDefault("server.port", "")

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")

	v.SetDefault("dispatch.validate_agents", false)
	v.SetDefault("dispatch.claim_timeout", "0s")
	v.SetDefault("dispatch.sweep_interval", "30s")

	v.SetDefault("worker.agent", "")
	v.SetDefault("worker.server_url", "http://localhost:8080")
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.plan_dir", ".")
	v.SetDefault("worker.context_results", 5)
	v.SetDefault("worker.docs_dir", "")
	v.SetDefault("worker.command", []string{})
}

// Load reads configuration from the OS filesystem. An empty path searches
// for zaki.yaml in the working directory; a missing file there is not an
// error.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadClient is Load for binaries that talk to the server over HTTP. The
// database section is not validated.
func LoadClient(path string) (*Config, error) {
	return load(afero.NewOsFs(), path, "Database")
}

// LoadFs is Load against an arbitrary filesystem.
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	return load(fs, path)
}

func load(fs afero.Fs, path string, skip ...string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Bare names honoured for platform compatibility.
	_ = v.BindEnv("database.url", envPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("server.port", envPrefix+"_SERVER_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(skip...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToUpper(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Server.Port != "" && c.Server.Addr == defaultAddr {
		c.Server.Addr = ":" + c.Server.Port
	}
	if c.Worker.Agent == "" {
		if host, err := os.Hostname(); err == nil {
			c.Worker.Agent = host
		}
	}
}

var validate = validator.New()

// Validate checks struct constraints and reports every failing field.
// Named top-level sections are skipped.
func (c *Config) Validate(skip ...string) error {
	var err error
	if len(skip) > 0 {
		err = validate.StructExcept(c, skip...)
	} else {
		err = validate.Struct(c)
	}
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", e.Namespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
