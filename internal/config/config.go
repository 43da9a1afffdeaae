package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port        int    `yaml:"port"`
		Host        string `yaml:"host"`
		BodyLimitMB int    `yaml:"body_limit_mb"`
		AdminToken  string `yaml:"admin_token"`
	} `yaml:"server"`

	Database struct {
		Driver           string        `yaml:"driver"`
		DSN              string        `yaml:"dsn"`
		MaxConns         int           `yaml:"max_conns"`
		MinConns         int           `yaml:"min_conns"`
		MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
		MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		StatementTimeout time.Duration `yaml:"statement_timeout"`
		AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
		TxMaxAttempts    int           `yaml:"tx_max_attempts"`
		TxBaseBackoff    time.Duration `yaml:"tx_base_backoff"`
	} `yaml:"database"`

	RateLimit struct {
		Backend     string        `yaml:"backend"`
		Window      time.Duration `yaml:"window"`
		MaxRequests int           `yaml:"max_requests"`
	} `yaml:"rate_limit"`

	Workers struct {
		Count             int           `yaml:"count"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		CapabilityTimeout time.Duration `yaml:"capability_timeout"`
	} `yaml:"workers"`

	Reaper struct {
		Interval     time.Duration `yaml:"interval"`
		MaxAge       time.Duration `yaml:"max_age"`
		RetryCeiling int           `yaml:"retry_ceiling"`
	} `yaml:"reaper"`

	Whisper struct {
		Enabled  bool   `yaml:"enabled"`
		Model    string `yaml:"model"`
		Threads  int    `yaml:"threads"`
		Language string `yaml:"language"`
		Python   string `yaml:"python"`
		FFmpeg   string `yaml:"ffmpeg"`
	} `yaml:"whisper"`

	Storage struct {
		TempDir    string        `yaml:"temp_dir"`
		MediaDir   string        `yaml:"media_dir"`
		OutputDir  string        `yaml:"output_dir"`
		TempMaxAge time.Duration `yaml:"temp_max_age"`
	} `yaml:"storage"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`

	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		UseSSL    bool   `yaml:"use_ssl"`
		Region    string `yaml:"region"`
		Bucket    string `yaml:"bucket"`
	} `yaml:"minio"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Webhook struct {
		URL       string        `yaml:"url"`
		Timeout   time.Duration `yaml:"timeout"`
		PerSecond float64       `yaml:"per_second"`
		Burst     int           `yaml:"burst"`
	} `yaml:"webhook"`

	// Dispatch controls background delivery to NATS and the webhook.
	Dispatch struct {
		Workers   int           `yaml:"workers"`
		QueueSize int           `yaml:"queue_size"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"dispatch"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Limits struct {
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`
}

// Default returns a configuration that runs locally on SQLite with the
// in-memory rate limiter and transcription disabled.
func Default() *Config {
	var c Config
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8080
	c.Server.BodyLimitMB = 100

	c.Database.Driver = "sqlite"
	c.Database.DSN = "data/clubbot.db"
	c.Database.MaxConns = 8
	c.Database.MinConns = 1
	c.Database.MaxConnLifetime = 30 * time.Minute
	c.Database.MaxConnIdleTime = 5 * time.Minute
	c.Database.DialTimeout = 3 * time.Second
	c.Database.AcquireTimeout = 2 * time.Second
	c.Database.TxMaxAttempts = 5
	c.Database.TxBaseBackoff = 10 * time.Millisecond

	c.RateLimit.Backend = "memory"
	c.RateLimit.Window = time.Hour
	c.RateLimit.MaxRequests = 10

	c.Workers.Count = 2
	c.Workers.PollInterval = 2 * time.Second
	c.Workers.CapabilityTimeout = 10 * time.Minute

	c.Reaper.Interval = time.Minute
	c.Reaper.MaxAge = 30 * time.Minute
	c.Reaper.RetryCeiling = 3

	c.Whisper.Model = "small"
	c.Whisper.Threads = 4
	c.Whisper.Python = "python"
	c.Whisper.FFmpeg = "ffmpeg"

	c.Storage.TempDir = "temp"
	c.Storage.MediaDir = "data/media"
	c.Storage.OutputDir = "outputs"
	c.Storage.TempMaxAge = 24 * time.Hour

	c.GoogleDrive.FolderName = "Transcripts"

	c.Redis.KeyPrefix = "clubbot:usage"
	c.NATS.SubjectPrefix = "clubbot.jobs"

	c.Webhook.Timeout = 10 * time.Second
	c.Webhook.PerSecond = 25
	c.Webhook.Burst = 5

	c.Dispatch.Workers = 2
	c.Dispatch.QueueSize = 256
	c.Dispatch.Timeout = 15 * time.Second

	c.Logging.Level = "info"
	c.Logging.Format = "text"

	c.Limits.MaxFileSizeMB = 50
	return &c
}

// Load reads the YAML file at path over the defaults, then applies .env and
// environment overrides. A missing file is not an error when optional is set.
func Load(path string, optional bool) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(file, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && optional:
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployments override secrets and endpoints without editing
// the YAML file.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("CLUBBOT_PORT", c.Server.Port)
	c.Server.AdminToken = getEnv("CLUBBOT_ADMIN_TOKEN", c.Server.AdminToken)
	c.Database.Driver = getEnv("CLUBBOT_DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("CLUBBOT_DATABASE_DSN", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt("CLUBBOT_DATABASE_MAX_CONNS", c.Database.MaxConns)
	c.RateLimit.Backend = getEnv("CLUBBOT_RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	c.RateLimit.Window = getEnvAsDuration("CLUBBOT_RATE_LIMIT_WINDOW", c.RateLimit.Window)
	c.RateLimit.MaxRequests = getEnvAsInt("CLUBBOT_RATE_LIMIT_MAX", c.RateLimit.MaxRequests)
	c.Workers.Count = getEnvAsInt("CLUBBOT_WORKERS", c.Workers.Count)
	c.Whisper.Enabled = getEnvAsBool("CLUBBOT_WHISPER_ENABLED", c.Whisper.Enabled)
	c.Redis.Addr = getEnv("CLUBBOT_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("CLUBBOT_REDIS_PASSWORD", c.Redis.Password)
	c.NATS.URL = getEnv("CLUBBOT_NATS_URL", c.NATS.URL)
	c.Webhook.URL = getEnv("CLUBBOT_WEBHOOK_URL", c.Webhook.URL)
	c.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", c.MinIO.AccessKey)
	c.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", c.MinIO.SecretKey)
	c.MinIO.Bucket = getEnv("MINIO_BUCKET", c.MinIO.Bucket)
	c.MinIO.UseSSL = getEnvAsBool("MINIO_USE_SSL", c.MinIO.UseSSL)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, errors.New("database.max_conns must be at least 1"))
	}
	if c.Database.TxMaxAttempts < 1 {
		errs = append(errs, errors.New("database.tx_max_attempts must be at least 1"))
	}
	switch c.RateLimit.Backend {
	case "memory", "sql":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis rate limit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend must be memory, sql or redis, got %q", c.RateLimit.Backend))
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests < 1 {
		errs = append(errs, errors.New("rate_limit.window and rate_limit.max_requests must be positive"))
	}
	if c.Workers.Count < 1 {
		errs = append(errs, errors.New("workers.count must be at least 1"))
	}
	if c.Workers.CapabilityTimeout <= 0 {
		errs = append(errs, errors.New("workers.capability_timeout must be positive"))
	}
	if c.Reaper.Interval <= 0 || c.Reaper.MaxAge <= 0 {
		errs = append(errs, errors.New("reaper.interval and reaper.max_age must be positive"))
	}
	if c.Reaper.MaxAge <= c.Workers.CapabilityTimeout {
		errs = append(errs, errors.New("reaper.max_age must exceed workers.capability_timeout"))
	}
	if c.Reaper.RetryCeiling < 0 {
		errs = append(errs, errors.New("reaper.retry_ceiling must not be negative"))
	}
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		errs = append(errs, errors.New("minio.bucket is required when minio.endpoint is set"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LogLevel maps logging.level to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
