// FilePath: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server     ServerConfig
	MQTT       MQTTConfig
	Database   PostgresConfig `mapstructure:"database"`
	Redis      RedisConfig
	Storage    StorageConfig
	Assembly   AssemblyConfig
	Monitoring MonitoringConfig
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MQTTConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	TLS      bool   `mapstructure:"tls"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`

	TopicPatternData   string `mapstructure:"topic_pattern_data"`
	TopicPatternStatus string `mapstructure:"topic_pattern_status"`
	TopicPatternAck    string `mapstructure:"topic_pattern_ack"`
	TopicPatternCmd    string `mapstructure:"topic_pattern_cmd"`

	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig selects the blob store backend. "s3" talks to any
// S3-compatible endpoint; "local" writes under BasePath and serves URLs
// from PublicBaseURL.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	BasePath      string `mapstructure:"base_path"`
}

// AssemblyConfig tunes the reassembly pipeline. The deployment environment
// denominates the timeout knobs in milliseconds (CAPTURE_TIMEOUT_MS etc),
// so they are carried as integers and converted via the accessor methods.
type AssemblyConfig struct {
	CaptureTimeoutMS  int64         `mapstructure:"capture_timeout_ms"`
	RetransmitDelayMS int64         `mapstructure:"retransmit_delay_ms"`
	RetransmitMax     int           `mapstructure:"retransmit_max"`
	MaxImageBytes     int64         `mapstructure:"max_image_bytes"`
	StrictSize        bool          `mapstructure:"strict_size"`
	MaxAssemblies     int           `mapstructure:"max_assemblies"`
	MaxPerDevice      int           `mapstructure:"max_per_device"`
	DeviceQueueDepth  int           `mapstructure:"device_queue_depth"`
	ReaperInterval    time.Duration `mapstructure:"reaper_interval"`
	PollerInterval    time.Duration `mapstructure:"poller_interval"`
	PollerBatchSize   int           `mapstructure:"poller_batch_size"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	DrainGracePeriod  time.Duration `mapstructure:"drain_grace_period"`
	DefaultSleepHours int           `mapstructure:"default_sleep_hours"`
}

// CaptureTimeout is the assembly age-out threshold.
func (a AssemblyConfig) CaptureTimeout() time.Duration {
	return time.Duration(a.CaptureTimeoutMS) * time.Millisecond
}

// RetransmitDelay is the NACK tick after last activity.
func (a AssemblyConfig) RetransmitDelay() time.Duration {
	return time.Duration(a.RetransmitDelayMS) * time.Millisecond
}

type MonitoringConfig struct {
	PrometheusPort int    `mapstructure:"prometheus_port"`
	LogLevel       string `mapstructure:"log_level"`
}

// Load initializes configuration from environment variables and config file
func Load() (*Config, error) {
	viper.SetEnvPrefix("GXP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// The deployment environment uses unprefixed variable names; bind them
	// alongside the GXP_ prefixed ones.
	bindEnvAliases()

	// Load config file if exists
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.shutdown_timeout", "30s")

	// MQTT defaults
	viper.SetDefault("mqtt.port", 8883)
	viper.SetDefault("mqtt.tls", true)
	viper.SetDefault("mqtt.client_id", "gxp-ingest")
	viper.SetDefault("mqtt.topic_pattern_data", "DEVICE/+/data")
	viper.SetDefault("mqtt.topic_pattern_status", "DEVICE/+/status")
	viper.SetDefault("mqtt.topic_pattern_ack", "DEVICE/+/ack")
	viper.SetDefault("mqtt.topic_pattern_cmd", "DEVICE/+/cmd")
	viper.SetDefault("mqtt.reconnect_base", "1s")
	viper.SetDefault("mqtt.reconnect_max", "60s")

	// Database defaults
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	// Redis defaults
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.backend", "s3")
	viper.SetDefault("storage.bucket", "gxp-captures")
	viper.SetDefault("storage.region", "eu-central-1")
	viper.SetDefault("storage.base_path", "./data/captures")

	// Assembly defaults
	viper.SetDefault("assembly.capture_timeout_ms", 600000)
	viper.SetDefault("assembly.retransmit_delay_ms", 3000)
	viper.SetDefault("assembly.retransmit_max", 3)
	viper.SetDefault("assembly.max_image_bytes", 2*1024*1024)
	viper.SetDefault("assembly.strict_size", true)
	viper.SetDefault("assembly.max_assemblies", 512)
	viper.SetDefault("assembly.max_per_device", 8)
	viper.SetDefault("assembly.device_queue_depth", 256)
	viper.SetDefault("assembly.reaper_interval", "30s")
	viper.SetDefault("assembly.poller_interval", "2s")
	viper.SetDefault("assembly.poller_batch_size", 32)
	viper.SetDefault("assembly.operation_timeout", "10s")
	viper.SetDefault("assembly.drain_grace_period", "15s")
	viper.SetDefault("assembly.default_sleep_hours", 12)

	// Monitoring defaults
	viper.SetDefault("monitoring.prometheus_port", 9090)
	viper.SetDefault("monitoring.log_level", "info")
}

// bindEnvAliases maps the bare deployment variable names onto config keys.
func bindEnvAliases() {
	aliases := map[string][]string{
		"mqtt.host":                 {"MQTT_HOST"},
		"mqtt.port":                 {"MQTT_PORT"},
		"mqtt.tls":                  {"MQTT_TLS"},
		"mqtt.username":             {"MQTT_USERNAME"},
		"mqtt.password":             {"MQTT_PASSWORD"},
		"mqtt.topic_pattern_data":   {"TOPIC_PATTERN_DATA"},
		"mqtt.topic_pattern_status": {"TOPIC_PATTERN_STATUS"},
		"mqtt.topic_pattern_ack":    {"TOPIC_PATTERN_ACK"},
		"mqtt.topic_pattern_cmd":    {"TOPIC_PATTERN_CMD"},
		"storage.bucket":            {"STORAGE_BUCKET"},
		"assembly.capture_timeout_ms":  {"CAPTURE_TIMEOUT_MS"},
		"assembly.retransmit_delay_ms": {"RETRANSMIT_DELAY_MS"},
		"assembly.retransmit_max":   {"RETRANSMIT_MAX"},
		"assembly.max_image_bytes":  {"MAX_IMAGE_BYTES"},
		"monitoring.log_level":      {"LOG_LEVEL"},
	}
	for key, envs := range aliases {
		keys := append([]string{key}, envs...)
		_ = viper.BindEnv(keys...)
	}
}

func validateConfig(config *Config) error {
	if config.MQTT.Host == "" {
		return fmt.Errorf("mqtt host is required")
	}
	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Storage.Backend != "s3" && config.Storage.Backend != "local" {
		return fmt.Errorf("unknown storage backend %q", config.Storage.Backend)
	}
	if config.Assembly.RetransmitMax < 0 {
		return fmt.Errorf("retransmit_max must not be negative")
	}
	return nil
}
