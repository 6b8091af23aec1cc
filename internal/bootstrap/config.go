package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eleven-am/voice-recorder/internal/connection"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddr string `yaml:"server_addr"`
	RelayAddr  string `yaml:"relay_addr"`
	LogLevel   string `yaml:"log_level"`

	ServerURL    string `yaml:"server_url"`
	HTTPBase     string `yaml:"http_base"`
	DataDir      string `yaml:"data_dir"`
	IdentityPath string `yaml:"identity_path"`
	DatabaseDSN  string `yaml:"database_dsn"`
	DBDebug      bool   `yaml:"db_debug"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	CaptureCommand  string        `yaml:"capture_command"`
	CaptureFormat   string        `yaml:"capture_format"`
	CaptureDevice   string        `yaml:"capture_device"`
	CaptureInterval time.Duration `yaml:"capture_interval"`

	FinalizeTimeout    time.Duration `yaml:"finalize_timeout"`
	StorageThresholdMB float64       `yaml:"storage_threshold_mb"`
	ReplayPerSecond    float64       `yaml:"replay_per_second"`
	BacklogMaxChunks   int           `yaml:"backlog_max_chunks"`

	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	ReconnectInitial     time.Duration `yaml:"reconnect_initial"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	PollMaxInterval time.Duration `yaml:"poll_max_interval"`
	PollMaxAttempts int           `yaml:"poll_max_attempts"`

	RelayProcessingDelay time.Duration `yaml:"relay_processing_delay"`
}

// LoadConfig reads .env, then the environment, then the optional YAML file
// named by RECORDER_CONFIG. Keys set in the file win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := configFromEnv()
	if path := os.Getenv("RECORDER_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configFromEnv() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", "127.0.0.1:7070"),
		RelayAddr:  getEnv("RELAY_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		ServerURL:    getEnv("SERVER_URL", "ws://localhost:8080/ws"),
		HTTPBase:     getEnv("HTTP_BASE", ""),
		DataDir:      getEnv("DATA_DIR", defaultDataDir()),
		IdentityPath: getEnv("IDENTITY_PATH", ""),
		DatabaseDSN:  getEnv("DATABASE_DSN", ""),
		DBDebug:      getEnvBool("DB_DEBUG", false),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		CaptureCommand:  getEnv("CAPTURE_COMMAND", "ffmpeg"),
		CaptureFormat:   getEnv("CAPTURE_FORMAT", "pulse"),
		CaptureDevice:   getEnv("CAPTURE_DEVICE", "default"),
		CaptureInterval: getEnvDuration("CAPTURE_INTERVAL", time.Second),

		FinalizeTimeout:    getEnvDuration("FINALIZE_TIMEOUT", 60*time.Second),
		StorageThresholdMB: getEnvFloat("STORAGE_THRESHOLD_MB", 50),
		ReplayPerSecond:    getEnvFloat("REPLAY_PER_SECOND", 5),
		BacklogMaxChunks:   getEnvInt("BACKLOG_MAX_CHUNKS", 50),

		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectInitial:     getEnvDuration("RECONNECT_INITIAL", time.Second),
		ReconnectMaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		HeartbeatTimeout:     getEnvDuration("HEARTBEAT_TIMEOUT", 20*time.Second),

		PollInterval:    getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollMaxInterval: getEnvDuration("POLL_MAX_INTERVAL", 15*time.Second),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 30),

		RelayProcessingDelay: getEnvDuration("RELAY_PROCESSING_DELAY", 2*time.Second),
	}
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.IdentityPath == "" && c.DataDir != "" {
		c.IdentityPath = filepath.Join(c.DataDir, "identity.json")
	}
	if c.DatabaseDSN == "" && c.DataDir != "" {
		c.DatabaseDSN = filepath.Join(c.DataDir, "queue.db")
	}
	if c.HTTPBase == "" {
		c.HTTPBase = connection.HTTPBaseFromURL(c.ServerURL)
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid SERVER_URL %q: want ws:// or wss://", c.ServerURL)
	}
	if c.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN or DATA_DIR must be set")
	}
	if c.StorageThresholdMB <= 0 {
		return fmt.Errorf("STORAGE_THRESHOLD_MB must be positive, got %v", c.StorageThresholdMB)
	}
	if c.ReplayPerSecond <= 0 {
		return fmt.Errorf("REPLAY_PER_SECOND must be positive, got %v", c.ReplayPerSecond)
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be positive, got %d", c.ReconnectMaxAttempts)
	}
	if c.ReconnectMaxDelay < c.ReconnectInitial {
		return fmt.Errorf("RECONNECT_MAX_DELAY %v is below RECONNECT_INITIAL %v", c.ReconnectMaxDelay, c.ReconnectInitial)
	}
	if c.FinalizeTimeout <= 0 || c.CaptureInterval <= 0 || c.PollInterval <= 0 {
		return errors.New("timeouts and intervals must be positive")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".voice-recorder")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
