// Package config provides configuration management for mediaforge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultMaxUploadSize     = "512MB"
	defaultMinFreeSpace      = "256MB"
	defaultVersionTimeout    = 5 * time.Second
	defaultProbeTimeout      = 30 * time.Second
	defaultTranscodeTimeout  = 5 * time.Minute
	defaultPaletteTimeout    = 5 * time.Minute
	defaultMaxFrames         = 1500
	defaultMaxRetries        = 3
	defaultRetryDelay        = 60 * time.Second
	defaultPollInterval      = 2 * time.Second
	defaultQueueConcurrency  = 2
	defaultDownloadTimeout   = 60 * time.Second
	defaultDownloadMaxSize   = "512MB"
	defaultTokenTTL          = 24 * time.Hour
	defaultCleanupCron       = "0 0 * * * *"
	defaultTempMaxAge        = "6h"
	defaultJobRetention      = "7d"
	defaultRedisStream       = "mediaforge:jobs"
	defaultRedisGroup        = "mediaforge-workers"
	defaultPebbleDir         = "queue"
	defaultBatchDownloadSize = 50
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg"`
	Conversion ConversionConfig `mapstructure:"conversion"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Download   DownloadConfig   `mapstructure:"download"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxUploadSize caps multipart uploads. Accepts values like "512MB".
	MaxUploadSize ByteSize `mapstructure:"max_upload_size"`
	// MaxBatchSize caps the number of ids in a batch download.
	MaxBatchSize int `mapstructure:"max_batch_size"`
	// CORSOrigins lists browser origins allowed to call the API. "*" allows any.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	OutputDir string `mapstructure:"output_dir"`
	UploadDir string `mapstructure:"upload_dir"`
	TempDir   string `mapstructure:"temp_dir"`
	// MinFreeSpace is the free space required on the output volume before an
	// artifact is written. Zero disables the check.
	MinFreeSpace ByteSize `mapstructure:"min_free_space"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds transcoder binary locations and time limits.
type FFmpegConfig struct {
	BinaryPath       string        `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath        string        `mapstructure:"probe_path"`  // empty = auto-detect
	VersionTimeout   time.Duration `mapstructure:"version_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	TranscodeTimeout time.Duration `mapstructure:"transcode_timeout"`
	PaletteTimeout   time.Duration `mapstructure:"palette_timeout"`
	// MaxFrames bounds the frames held in memory by the reverse/boomerang path.
	MaxFrames int `mapstructure:"max_frames"`
}

// ConversionConfig holds job execution and parameter bound settings.
type ConversionConfig struct {
	// Workers is the inline runner pool size. Zero derives it from the CPU count.
	Workers    int           `mapstructure:"workers"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	MinWidth   int           `mapstructure:"min_width"`
	MaxWidth   int           `mapstructure:"max_width"`
	MinFPS     int           `mapstructure:"min_fps"`
	MaxFPS     int           `mapstructure:"max_fps"`
	MinSpeed   float64       `mapstructure:"min_speed"`
	MaxSpeed   float64       `mapstructure:"max_speed"`
	// Engines holds per-kind engine settings, for example
	// engines.image.jpeg_quality or engines.archive.max_entries.
	Engines map[string]map[string]string `mapstructure:"engines"`
}

// QueueConfig selects the durable queue used by "mediaforge worker".
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"` // database, redis, pebble
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Concurrency  int           `mapstructure:"concurrency"`
	Redis        RedisConfig   `mapstructure:"redis"`
	Pebble       PebbleConfig  `mapstructure:"pebble"`
}

// RedisConfig configures the redis stream queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password" masq:"secret"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"` // empty = hostname
}

// PebbleConfig configures the embedded queue.
type PebbleConfig struct {
	Dir string `mapstructure:"dir"` // relative paths resolve against storage.base_dir
}

// PublishConfig selects where finished artifacts are published.
type PublishConfig struct {
	Backend string `mapstructure:"backend"` // local, s3, gcs
	// BaseURL prefixes local artifact links, for example https://media.example.com.
	BaseURL    string        `mapstructure:"base_url"`
	SigningKey string        `mapstructure:"signing_key" masq:"secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	S3         S3Config      `mapstructure:"s3"`
	GCS        GCSConfig     `mapstructure:"gcs"`
}

// S3Config configures the S3 publisher.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" masq:"secret"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// GCSConfig configures the Google Cloud Storage publisher.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// DownloadConfig bounds remote URL inputs.
type DownloadConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxSize   ByteSize      `mapstructure:"max_size"`
	UserAgent string        `mapstructure:"user_agent"`
}

// CleanupConfig holds the scheduled cleanup settings.
type CleanupConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"` // 6-field cron expression
	// TempMaxAge is the age after which temp and upload files are removed.
	TempMaxAge Duration `mapstructure:"temp_max_age"`
	// JobRetention is how long finished jobs are kept. Accepts "7d", "2w".
	JobRetention Duration `mapstructure:"job_retention"`
	// RemoveArtifacts also deletes the artifacts of expired jobs.
	RemoveArtifacts bool `mapstructure:"remove_artifacts"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with MEDIAFORGE_ and use underscores for nesting.
// Example: MEDIAFORGE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/mediaforge")
		v.AddConfigPath("$HOME/.mediaforge")
	}

	v.SetEnvPrefix("MEDIAFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// decodeHook lets ByteSize and Duration fields accept human-readable strings.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_upload_size", defaultMaxUploadSize)
	v.SetDefault("server.max_batch_size", defaultBatchDownloadSize)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "mediaforge.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.output_dir", "output")
	v.SetDefault("storage.upload_dir", "uploads")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.min_free_space", defaultMinFreeSpace)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.version_timeout", defaultVersionTimeout)
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)
	v.SetDefault("ffmpeg.transcode_timeout", defaultTranscodeTimeout)
	v.SetDefault("ffmpeg.palette_timeout", defaultPaletteTimeout)
	v.SetDefault("ffmpeg.max_frames", defaultMaxFrames)

	// Conversion defaults
	v.SetDefault("conversion.workers", 0)
	v.SetDefault("conversion.max_retries", defaultMaxRetries)
	v.SetDefault("conversion.retry_delay", defaultRetryDelay)
	v.SetDefault("conversion.min_width", 16)
	v.SetDefault("conversion.max_width", 1920)
	v.SetDefault("conversion.min_fps", 1)
	v.SetDefault("conversion.max_fps", 50)
	v.SetDefault("conversion.min_speed", 0.25)
	v.SetDefault("conversion.max_speed", 4.0)

	// Queue defaults
	v.SetDefault("queue.backend", "database")
	v.SetDefault("queue.poll_interval", defaultPollInterval)
	v.SetDefault("queue.concurrency", defaultQueueConcurrency)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.stream", defaultRedisStream)
	v.SetDefault("queue.redis.group", defaultRedisGroup)
	v.SetDefault("queue.pebble.dir", defaultPebbleDir)

	// Publish defaults
	v.SetDefault("publish.backend", "local")
	v.SetDefault("publish.base_url", "")
	v.SetDefault("publish.token_ttl", defaultTokenTTL)
	v.SetDefault("publish.s3.region", "us-east-1")

	// Download defaults
	v.SetDefault("download.timeout", defaultDownloadTimeout)
	v.SetDefault("download.max_size", defaultDownloadMaxSize)
	v.SetDefault("download.user_agent", "")

	// Cleanup defaults
	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.cron", defaultCleanupCron)
	v.SetDefault("cleanup.temp_max_age", defaultTempMaxAge)
	v.SetDefault("cleanup.job_retention", defaultJobRetention)
	v.SetDefault("cleanup.remove_artifacts", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.MaxUploadSize <= 0 {
		return fmt.Errorf("server.max_upload_size must be positive")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Conversion.MaxRetries < 0 {
		return fmt.Errorf("conversion.max_retries must not be negative")
	}
	if c.Conversion.MinWidth < 1 || c.Conversion.MinWidth > c.Conversion.MaxWidth {
		return fmt.Errorf("conversion.min_width must be between 1 and conversion.max_width")
	}
	if c.Conversion.MinFPS < 1 || c.Conversion.MinFPS > c.Conversion.MaxFPS {
		return fmt.Errorf("conversion.min_fps must be between 1 and conversion.max_fps")
	}
	if c.Conversion.MinSpeed <= 0 || c.Conversion.MinSpeed > c.Conversion.MaxSpeed {
		return fmt.Errorf("conversion.min_speed must be positive and at most conversion.max_speed")
	}

	switch c.Queue.Backend {
	case "database", "pebble":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be one of: database, redis, pebble")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1")
	}

	switch c.Publish.Backend {
	case "local":
	case "s3":
		if c.Publish.S3.Bucket == "" {
			return fmt.Errorf("publish.s3.bucket is required for the s3 backend")
		}
	case "gcs":
		if c.Publish.GCS.Bucket == "" {
			return fmt.Errorf("publish.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("publish.backend must be one of: local, s3, gcs")
	}

	if c.Download.MaxSize <= 0 {
		return fmt.Errorf("download.max_size must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OutputPath returns the full path to the artifact directory.
func (c *StorageConfig) OutputPath() string {
	return c.resolve(c.OutputDir)
}

// UploadPath returns the full path to the stored input directory.
func (c *StorageConfig) UploadPath() string {
	return c.resolve(c.UploadDir)
}

// TempPath returns the full path to the temp directory.
func (c *StorageConfig) TempPath() string {
	return c.resolve(c.TempDir)
}

func (c *StorageConfig) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.BaseDir, dir)
}

// PebblePath returns the embedded queue directory.
func (c *Config) PebblePath() string {
	return c.Storage.resolve(c.Queue.Pebble.Dir)
}
