package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"skirmish/internal/domain"
)

const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"

	RulesLocal    = "local"
	RulesAllowAll = "allow-all"
)

// Config models skirmish.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Storage struct {
		Driver    string `yaml:"driver"`
		Workspace string `yaml:"workspace"`
	} `yaml:"storage"`
	Snapshots struct {
		Every     int      `yaml:"every"`
		KeyEvents []string `yaml:"key_events"`
	} `yaml:"snapshots"`
	Rules struct {
		Engine      string   `yaml:"engine"`
		AIWhitelist []string `yaml:"ai_whitelist"`
	} `yaml:"rules"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook receives committed session events. An empty Events list means every type.
type Webhook struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled bool     `yaml:"enabled"`
}

// Wants reports whether the hook subscribes to eventType.
func (w Webhook) Wants(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with sk config show > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Storage.Driver {
	case StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("config.storage.driver must be %q or %q", StorageSQLite, StorageMemory)
	}
	if c.Snapshots.Every < 0 {
		return fmt.Errorf("config.snapshots.every must be >= 0")
	}
	for _, t := range c.Snapshots.KeyEvents {
		if t == "" {
			return fmt.Errorf("config.snapshots.key_events contains an empty event type")
		}
		if !domain.EventType(t).Known() {
			return fmt.Errorf("config.snapshots.key_events: unknown event type %q", t)
		}
	}
	switch c.Rules.Engine {
	case RulesLocal, RulesAllowAll:
	default:
		return fmt.Errorf("config.rules.engine must be %q or %q", RulesLocal, RulesAllowAll)
	}
	for _, id := range c.Rules.AIWhitelist {
		if id == "" {
			return fmt.Errorf("config.rules.ai_whitelist contains an empty entity id")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	for i, h := range c.Webhooks {
		if !strings.HasPrefix(h.URL, "http://") && !strings.HasPrefix(h.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		for _, t := range h.Events {
			if t != "*" && !domain.EventType(t).Known() {
				return fmt.Errorf("config.webhooks[%d].events: unknown event type %q", i, t)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "skirmish.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config, with the JWT secret masked when redact is set.
func (c *Config) YAML(redact bool) ([]byte, error) {
	out := *c
	if redact && out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "********"
	}
	return yaml.Marshal(&out)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:3000
  base_path: ""

storage:
  driver: sqlite
  workspace: .

snapshots:
  every: 25
  key_events: [COMBAT_ENDED]

rules:
  engine: local
  ai_whitelist: [ai]

log:
  level: info
  format: console

auth:
  jwt_secret: ""

webhooks: []
`
