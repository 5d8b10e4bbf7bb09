// Package config loads qclab settings from an optional YAML file, with every
// key overridable by a QCLAB_-prefixed environment variable.
package config

import (
	"fmt"
	"time"

	"github.com/gartstein/avenue/internal/lab/archive"
	"github.com/gartstein/avenue/internal/lab/db"
	"github.com/spf13/viper"
)

const envPrefix = "QCLAB"

type Config struct {
	DBDriver         string        `mapstructure:"DB_DRIVER"`
	DBHost           string        `mapstructure:"DB_HOST"`
	DBPort           int           `mapstructure:"DB_PORT"`
	DBUser           string        `mapstructure:"DB_USER"`
	DBPassword       string        `mapstructure:"DB_PASSWORD"`
	DBName           string        `mapstructure:"DB_NAME"`
	DBSSLMode        string        `mapstructure:"DB_SSLMODE"`
	DBPath           string        `mapstructure:"DB_PATH"`
	DBConnectRetries uint64        `mapstructure:"DB_CONNECT_RETRIES"`
	KafkaBrokers     []string      `mapstructure:"KAFKA_BROKERS"`
	Topic            string        `mapstructure:"TOPIC"`
	ConsumerGroup    string        `mapstructure:"CONSUMER_GROUP"`
	JWTSecret        string        `mapstructure:"JWT_SECRET"`
	TokenTTL         time.Duration `mapstructure:"TOKEN_TTL"`
	ArchiveBucket    string        `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveRegion    string        `mapstructure:"ARCHIVE_REGION"`
	ArchiveEndpoint  string        `mapstructure:"ARCHIVE_ENDPOINT"`
	ArchivePrefix    string        `mapstructure:"ARCHIVE_PREFIX"`
	ArchivePathStyle bool          `mapstructure:"ARCHIVE_PATH_STYLE"`
	MetricsAddr      string        `mapstructure:"METRICS_ADDR"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	LogFormat        string        `mapstructure:"LOG_FORMAT"`
}

var defaults = map[string]any{
	"DB_DRIVER":          db.DriverSQLite,
	"DB_HOST":            "localhost",
	"DB_PORT":            5432,
	"DB_USER":            "postgres",
	"DB_PASSWORD":        "",
	"DB_NAME":            "qclab",
	"DB_SSLMODE":         "disable",
	"DB_PATH":            "qclab.db",
	"DB_CONNECT_RETRIES": 5,
	"KAFKA_BROKERS":      []string{},
	"TOPIC":              "qclab.audit",
	"CONSUMER_GROUP":     "qclab-audit",
	"JWT_SECRET":         "jwt_secret",
	"TOKEN_TTL":          24 * time.Hour,
	"ARCHIVE_BUCKET":     "",
	"ARCHIVE_REGION":     "us-east-1",
	"ARCHIVE_ENDPOINT":   "",
	"ARCHIVE_PREFIX":     "audit",
	"ARCHIVE_PATH_STYLE": false,
	"METRICS_ADDR":       "",
	"LOG_LEVEL":          "info",
	"LOG_FORMAT":         "json",
}

// Load reads path, if given, and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case db.DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case db.DriverPostgres:
		if c.DBHost == "" || c.DBName == "" {
			return fmt.Errorf("DB_HOST and DB_NAME are required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

// Database returns the repository settings.
func (c *Config) Database() *db.Config {
	return &db.Config{
		Driver:         c.DBDriver,
		Host:           c.DBHost,
		Port:           c.DBPort,
		User:           c.DBUser,
		Password:       c.DBPassword,
		DBName:         c.DBName,
		SSLMode:        c.DBSSLMode,
		Path:           c.DBPath,
		ConnectRetries: c.DBConnectRetries,
	}
}

// Archive returns the audit archive settings. ok is false when no bucket is
// configured. Credentials come from the AWS default chain.
func (c *Config) Archive() (cfg archive.Config, ok bool) {
	if c.ArchiveBucket == "" {
		return archive.Config{}, false
	}
	return archive.Config{
		Bucket:    c.ArchiveBucket,
		Region:    c.ArchiveRegion,
		Endpoint:  c.ArchiveEndpoint,
		Prefix:    c.ArchivePrefix,
		PathStyle: c.ArchivePathStyle,
	}, true
}
