package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"civicfix/internal/taxonomy"
)

// Config models civicfix.yml.
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		BasePath string `yaml:"base_path"`
	} `yaml:"service"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Admin struct {
		ActorID string `yaml:"actor_id"`
	} `yaml:"admin"`
	Taxonomy map[string][]string `yaml:"taxonomy"`
}

// Load reads and validates config from the workspace, falling back to the
// built-in defaults when civicfix.yml does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left empty
// inherit the defaults.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Admin.ActorID == "" {
		return fmt.Errorf("config.admin.actor_id is required")
	}
	if len(c.Taxonomy) == 0 {
		return fmt.Errorf("config.taxonomy is required")
	}
	for category, fields := range c.Taxonomy {
		if category == "" {
			return fmt.Errorf("config.taxonomy contains empty category name")
		}
		if len(fields) == 0 {
			return fmt.Errorf("taxonomy category %s has no fields", category)
		}
		for _, f := range fields {
			if f == "" {
				return fmt.Errorf("taxonomy category %s has empty field name", category)
			}
		}
	}
	return nil
}

// Table returns the taxonomy table from the config.
func (c *Config) Table() taxonomy.Table {
	return taxonomy.Table(c.Taxonomy)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicfix.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Service.Name = "civicfix"
	cfg.Service.BasePath = "/v0"
	cfg.Admin.ActorID = "admin"
	cfg.Taxonomy = taxonomy.Default()
	return &cfg
}

// GenerateDefault returns the default config as YAML, suitable for writing a
// starter civicfix.yml.
func GenerateDefault() string {
	b, _ := yaml.Marshal(Default())
	return string(b)
}
