package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides; "__" separates nested keys.
const EnvPrefix = "PREGAO_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Dispute    DisputeConfig    `koanf:"dispute"`
	Identities []IdentityConfig `koanf:"identities"`
	Notifier   NotifierConfig   `koanf:"notifier"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, postgres, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration for multi-dialect support
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

// DisputeConfig holds the default timing applied to lots that do not
// override it.
type DisputeConfig struct {
	InitialWindow            time.Duration `koanf:"initial_window"`
	ExtensionWindow          time.Duration `koanf:"extension_window"`
	ExtensionThreshold       time.Duration `koanf:"extension_threshold"`
	SealedWindow             time.Duration `koanf:"sealed_window"`
	RestartGrace             time.Duration `koanf:"restart_grace"`
	RandomTailMax            time.Duration `koanf:"random_tail_max"`
	TopN                     int           `koanf:"top_n"`
	TieBreakWindow           time.Duration `koanf:"tiebreak_window"`
	TieBreakThresholdPercent string        `koanf:"tiebreak_threshold_percent"`
	CommandTimeout           time.Duration `koanf:"command_timeout"`
}

// Timing converts the configuration to lot timing, falling back to the
// engine defaults for unset fields.
func (d DisputeConfig) Timing() (domain.Timing, error) {
	t := domain.Timing{
		InitialWindow:      d.InitialWindow,
		ExtensionWindow:    d.ExtensionWindow,
		ExtensionThreshold: d.ExtensionThreshold,
		SealedWindow:       d.SealedWindow,
		RestartGrace:       d.RestartGrace,
		RandomTailMax:      d.RandomTailMax,
		TopN:               d.TopN,
		TieBreakWindow:     d.TieBreakWindow,
	}
	if d.TieBreakThresholdPercent != "" {
		pct, err := decimal.NewFromString(d.TieBreakThresholdPercent)
		if err != nil {
			return domain.Timing{}, fmt.Errorf("dispute.tiebreak_threshold_percent: %w", err)
		}
		t.TieBreakThreshold = pct
	}
	return t.WithDefaults(domain.DefaultTiming()), nil
}

// IdentityConfig maps a hashed bearer token to an actor.
type IdentityConfig struct {
	TokenHash string `koanf:"token_hash"` // hex sha256 of the bearer token
	ActorID   string `koanf:"actor_id"`
	Name      string `koanf:"name"`
	Role      string `koanf:"role"` // pregoeiro, supplier, citizen
	MEEPP     bool   `koanf:"me_epp"`
}

type NotifierConfig struct {
	WebhookURL string            `koanf:"webhook_url"`
	Timeout    time.Duration     `koanf:"timeout"`
	Retries    int               `koanf:"retries"`
	Headers    map[string]string `koanf:"headers"`
	// BlockPrivate refuses webhook targets on private networks.
	BlockPrivate bool `koanf:"block_private"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath and environment overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the YAML file at path (a missing file is allowed) and then
// applies PREGAO_ environment overrides.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	defaults := map[string]any{
		"server.port":             8080,
		"storage.type":            "sqlite",
		"storage.sqlite.path":     "pregao.db",
		"dispute.command_timeout": "10s",
		"notifier.timeout":        "5s",
		"notifier.retries":        3,
		"telemetry.service_name":  "pregao",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	cfg.Notifier.WebhookURL = substituteEnvVars(cfg.Notifier.WebhookURL)
	for name, val := range cfg.Notifier.Headers {
		cfg.Notifier.Headers[name] = substituteEnvVars(val)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "", "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("storage.type: unsupported %q", c.Storage.Type)
	}
	for i, id := range c.Identities {
		if id.TokenHash == "" || id.ActorID == "" {
			return fmt.Errorf("identities[%d]: token_hash and actor_id are required", i)
		}
		if !domain.Role(id.Role).Valid() {
			return fmt.Errorf("identities[%d]: unknown role %q", i, id.Role)
		}
	}
	if _, err := c.Dispute.Timing(); err != nil {
		return err
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
