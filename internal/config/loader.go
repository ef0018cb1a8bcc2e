package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr            string `json:"addr" yaml:"addr" toml:"addr"`
	DataDir         string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	AppID           string `json:"app_id" yaml:"app_id" toml:"app_id"`
	BackendURL      string `json:"backend_url" yaml:"backend_url" toml:"backend_url"`
	APIKey          string `json:"api_key" yaml:"api_key" toml:"api_key"`
	AllowCellular   bool   `json:"allow_cellular" yaml:"allow_cellular" toml:"allow_cellular"`
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	RequestTimeoutS int    `json:"request_timeout_s" yaml:"request_timeout_s" toml:"request_timeout_s"`
	LogLevel        string `json:"log_level" yaml:"log_level" toml:"log_level"`
	CORSOrigins     string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
