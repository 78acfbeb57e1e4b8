package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	ParcelTrack ParcelTrackConfig `yaml:"parceltrack"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	BatchRequestedTopicName string `yaml:"batch_requested_topic_name"`
	ProgressTopicName       string `yaml:"progress_topic_name"`
	ConsumerGroup           string `yaml:"consumer_group"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ParcelTrackConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	SwaggerPath string `yaml:"swagger_path"`

	// Minimal pause between two carrier lookups of the same non-final parcel.
	UpdateIntervalHours int `yaml:"update_interval_hours"`

	AutoUpdateIntervalSeconds int `yaml:"auto_update_interval_seconds"`
	CarrierConcurrency        int `yaml:"carrier_concurrency"`
	EvropostBatchSize         int `yaml:"evropost_batch_size"`

	CacheTTLSeconds           int `yaml:"cache_ttl_seconds"`
	CacheSweepIntervalSeconds int `yaml:"cache_sweep_interval_seconds"`
	HistoryCacheTTLSeconds    int `yaml:"history_cache_ttl_seconds"`

	RateLimitBelpostPerMinute  int `yaml:"rate_limit_belpost_per_minute"`
	RateLimitEvropostPerMinute int `yaml:"rate_limit_evropost_per_minute"`

	BelpostBaseURL  string  `yaml:"belpost_base_url"`
	EvropostBaseURL string  `yaml:"evropost_base_url"`
	EvropostAPIKey  string  `yaml:"evropost_api_key"`
	GatewayRPS      float64 `yaml:"gateway_rps"`
	UseFakeGateways bool    `yaml:"use_fake_gateways"`

	MaxUploadTracks  int `yaml:"max_upload_tracks"`
	MaxSavedTracks   int `yaml:"max_saved_tracks"`
	MaxUpdatesPerRun int `yaml:"max_updates_per_run"`

	DefaultTimeZone string `yaml:"default_time_zone"`
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (c ParcelTrackConfig) UpdateInterval() time.Duration {
	return time.Duration(intOr(c.UpdateIntervalHours, 3)) * time.Hour
}

func (c ParcelTrackConfig) AutoUpdateInterval() time.Duration {
	return seconds(c.AutoUpdateIntervalSeconds, 3600)
}

func (c ParcelTrackConfig) Concurrency() int {
	return intOr(c.CarrierConcurrency, 10)
}

func (c ParcelTrackConfig) EvropostChunk() int {
	return intOr(c.EvropostBatchSize, 50)
}

func (c ParcelTrackConfig) CacheTTL() time.Duration {
	return seconds(c.CacheTTLSeconds, 600)
}

func (c ParcelTrackConfig) CacheSweepInterval() time.Duration {
	return seconds(c.CacheSweepIntervalSeconds, 60)
}

func (c ParcelTrackConfig) HistoryCacheTTL() time.Duration {
	return seconds(c.HistoryCacheTTLSeconds, 60)
}

func (c ParcelTrackConfig) Location() *time.Location {
	if c.DefaultTimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.DefaultTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LoadDotEnv loads an optional .env file; a missing file is not an error.
func LoadDotEnv(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
