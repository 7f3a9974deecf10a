package config

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Index       IndexConfig       `mapstructure:"index"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Incidents   IncidentsConfig   `mapstructure:"incidents"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Timeplus    TimeplusConfig    `mapstructure:"timeplus"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port            string `mapstructure:"port"`
	AllowedOrigins  string `mapstructure:"allowedOrigins"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
}

// IndexConfig holds the event index configuration
type IndexConfig struct {
	CapacityPerType     int `mapstructure:"capacityPerType"`
	DedupCacheSize      int `mapstructure:"dedupCacheSize"`
	ContentDedupSeconds int `mapstructure:"contentDedupSeconds"` // 0 disables content deduplication
}

// CorrelationConfig holds the correlation engine configuration
type CorrelationConfig struct {
	WindowSeconds     int `mapstructure:"windowSeconds"`
	IntervalSeconds   int `mapstructure:"intervalSeconds"`
	MassFileThreshold int `mapstructure:"massFileThreshold"`
	ThrottleMinutes   int `mapstructure:"throttleMinutes"` // 0 means built-in rules fire on every tick
}

// IncidentsConfig holds the incident store configuration
type IncidentsConfig struct {
	MaxIncidents int `mapstructure:"maxIncidents"`
}

// StorageConfig holds where rules and incidents are persisted
type StorageConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

// IngestConfig holds the event log tailer configuration
type IngestConfig struct {
	LogPath         string  `mapstructure:"logPath"`
	PollIntervalMs  int     `mapstructure:"pollIntervalMs"`
	EventsPerSecond float64 `mapstructure:"eventsPerSecond"`
	Burst           int     `mapstructure:"burst"`
	FromStart       bool    `mapstructure:"fromStart"` // replay the existing log on startup
}

// NotifyConfig holds the incident dispatcher configuration
type NotifyConfig struct {
	MinSeverity string `mapstructure:"minSeverity"`
	BufferSize  int    `mapstructure:"bufferSize"`
}

// TimeplusConfig holds the Timeplus connection configuration used by the incident archive
type TimeplusConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	Username  string `mapstructure:"username"`
	Workspace string `mapstructure:"workspace"`
}

// LoadConfig loads the application configuration from file or environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	v := viper.New()

	// Set default values
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowedOrigins", "*")
	v.SetDefault("server.shutdownTimeout", 10)

	v.SetDefault("index.capacityPerType", 500)
	v.SetDefault("index.dedupCacheSize", 10000)
	v.SetDefault("index.contentDedupSeconds", 5)

	v.SetDefault("correlation.windowSeconds", 60)
	v.SetDefault("correlation.intervalSeconds", 10)
	v.SetDefault("correlation.massFileThreshold", 50)
	v.SetDefault("correlation.throttleMinutes", 5)

	v.SetDefault("incidents.maxIncidents", 1000)

	v.SetDefault("storage.dataDir", "./data")

	v.SetDefault("ingest.logPath", "")
	v.SetDefault("ingest.pollIntervalMs", 1000)
	v.SetDefault("ingest.eventsPerSecond", 500.0)
	v.SetDefault("ingest.burst", 1000)
	v.SetDefault("ingest.fromStart", false)

	v.SetDefault("notify.minSeverity", "high")
	v.SetDefault("notify.bufferSize", 256)

	v.SetDefault("timeplus.enabled", false)
	v.SetDefault("timeplus.address", "localhost:8464")
	v.SetDefault("timeplus.username", "default")
	v.SetDefault("timeplus.password", "")
	v.SetDefault("timeplus.workspace", "default")

	// Allow environment variables to override config file, e.g. TP_SENTINEL_SERVER_PORT
	v.SetEnvPrefix("TP_SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// If config file is provided, read it
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			logrus.Warnf("Error reading config file: %v", err)
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
