// Package config contains the YAML configuration of the gas station and the
// environment overrides recognised on top of it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Version is the version of the relay, set at build time.
var Version string

// DefaultConfigPath is used when no --config-file is given.
const DefaultConfigPath = "./config/gas-station.yml"

// Config is the top level structure of the gas station configuration.
type Config struct {
	Chain       ChainConfiguration       `yaml:"Chain"`
	Application ApplicationConfiguration `yaml:"Application"`
}

// LoadFile reads the configuration from the given path and applies the
// environment overrides (RPC_ENDPOINT, SECRET_KEY, SECRET_KEY_CMD,
// DATABASE_URL, LOG_LEVEL) on top of it. A missing file is only an error when
// it was explicitly asked for.
func LoadFile(configPath string) (Config, error) {
	cfg := Config{
		Application: ApplicationConfiguration{
			DB: DBConfiguration{Type: DBInMemory},
		},
	}
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !(os.IsNotExist(err) && configPath == DefaultConfigPath) {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}
	cfg.applyEnvironment()
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("RPC_ENDPOINT"); v != "" {
		c.Chain.RPCEndpoint = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		c.Chain.SecretKey = v
	}
	if v := os.Getenv("SECRET_KEY_CMD"); v != "" {
		c.Chain.SecretKeyCmd = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Application.DB.Type = DBPostgres
		c.Application.DB.PostgresOptions.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Application.LogLevel = v
	}
}
