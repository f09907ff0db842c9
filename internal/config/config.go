package config

import (
	"time"
)

// Config represents the simulator configuration
type Config struct {
	Logging     LoggingConfig `yaml:"logging"`
	Supervision Supervision   `yaml:"supervision"`
	Fleet       FleetConfig   `yaml:"fleet"`
	MongoDB     MongoDBConfig `yaml:"mongodb"`
	Admin       AdminConfig   `yaml:"admin"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// Supervision holds the CSMS connection settings shared by all stations
type Supervision struct {
	URL            string        `yaml:"url" env:"SUPERVISION_URL"`
	RequestTimeout time.Duration `yaml:"request_timeout" env-default:"60s"`
}

// FleetConfig describes which templates to stamp stations from
type FleetConfig struct {
	TemplateDir string          `yaml:"template_dir" env:"TEMPLATE_DIR" env-default:"./templates"`
	Stations    []StationsEntry `yaml:"stations"`
	Debug       bool            `yaml:"debug" env:"FLEET_DEBUG"`
}

// StationsEntry maps one template to a number of stations
type StationsEntry struct {
	Template string `yaml:"template"`
	Count    int    `yaml:"count"`
}

// MongoDBConfig holds the optional connector-state persistence settings
type MongoDBConfig struct {
	Enabled           bool          `yaml:"enabled" env:"MONGODB_ENABLED"`
	URI               string        `yaml:"uri" env:"MONGODB_URI"`
	Database          string        `yaml:"database" env:"MONGODB_DATABASE" env-default:"fleetsim"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env-default:"10s"`
}

// AdminConfig holds the supervisor channel settings
type AdminConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ADMIN_ENABLED"`
	Host      string        `yaml:"host" env:"ADMIN_HOST" env-default:"0.0.0.0"`
	Port      int           `yaml:"port" env:"ADMIN_PORT" env-default:"8090"`
	JWTSecret string        `yaml:"jwt_secret" env:"ADMIN_JWT_SECRET"`
	JWTExpiry time.Duration `yaml:"jwt_expiry" env-default:"24h"`
	Users     []AdminUser   `yaml:"users"`
}

// AdminUser is one supervisor account with a bcrypt password hash
type AdminUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}
