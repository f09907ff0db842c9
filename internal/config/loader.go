package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads the configuration from a YAML file with environment variable
// overrides. With an empty path the default locations are probed and the
// environment alone is used as a last resort.
func Load(configPath string) (*Config, error) {
	var cfg Config

	path := configPath
	if path == "" {
		for _, p := range []string{"./configs/config.yaml", "./config.yaml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read environment config: %w", err)
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Supervision.URL == "" {
		return fmt.Errorf("supervision.url is required")
	}

	if len(cfg.Fleet.Stations) == 0 {
		return fmt.Errorf("fleet.stations must name at least one template")
	}
	for _, entry := range cfg.Fleet.Stations {
		if entry.Template == "" {
			return fmt.Errorf("fleet.stations entries need a template name")
		}
		if entry.Count <= 0 {
			return fmt.Errorf("fleet.stations count must be positive for template %s", entry.Template)
		}
	}

	if cfg.MongoDB.Enabled && cfg.MongoDB.URI == "" {
		return fmt.Errorf("mongodb.uri is required when mongodb is enabled")
	}

	if cfg.Admin.Enabled {
		if cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin port: %d", cfg.Admin.Port)
		}
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is required when the admin channel is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s", cfg.Logging.Format)
	}

	return nil
}
