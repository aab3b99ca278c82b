package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Upstream STT provider
	UpstreamBaseURL string
	UpstreamAPIKey  string

	// Session cookie auth (issued by the account service, we only verify)
	SessionCookieName string
	SessionJWTSecret  string

	// CORS
	CORSAllowedOrigins string

	// Relay tuning
	PeriodicSaveIntervalSeconds int
	ClientSendBufferSize        int

	// Write queue
	WriteQueueMaxConcurrency int
	WriteQueuePollIntervalMs int
	WriteQueueMaxRetries     int

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string

	// Settings only loadable from config.yaml.
	Upstream *UpstreamConfig `yaml:"upstream"`
	Sweeper  *SweeperConfig  `yaml:"sweeper"`
}

// UpstreamConfig holds the streaming STT session parameters sent in the
// configuration frame. Kept in config.yaml so model rollouts don't need a
// deployment.
type UpstreamConfig struct {
	Model         string   `yaml:"model"`
	SampleRate    int      `yaml:"sample_rate"`
	NumChannels   int      `yaml:"num_channels"`
	AudioFormat   string   `yaml:"audio_format"`
	LanguageHints []string `yaml:"language_hints"`
}

// SweeperConfig controls the stale-transcription maintenance job.
type SweeperConfig struct {
	Schedule    string `yaml:"schedule"`      // cron expression, default hourly
	MaxAgeHours int    `yaml:"max_age_hours"` // IN_PROGRESS rows older than this are failed
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/transcribe_relay?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Upstream STT provider (trim whitespace to avoid common config errors)
		UpstreamBaseURL: strings.TrimSpace(getEnvOrDefault("UPSTREAM_STT_URL", "wss://api.stt.vocaline.dev/v3/stream")),
		UpstreamAPIKey:  strings.TrimSpace(getEnvOrDefault("UPSTREAM_STT_API_KEY", "")),

		// Session cookie auth
		SessionCookieName: getEnvOrDefault("SESSION_COOKIE_NAME", "vc_session"),
		SessionJWTSecret:  getEnvOrDefault("SESSION_JWT_SECRET", ""),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Relay tuning
		PeriodicSaveIntervalSeconds: getEnvAsInt("PERIODIC_SAVE_INTERVAL_SECONDS", 60),
		ClientSendBufferSize:        getEnvAsInt("CLIENT_SEND_BUFFER_SIZE", 256),

		// Write queue
		WriteQueueMaxConcurrency: getEnvAsInt("WRITE_QUEUE_MAX_CONCURRENCY", 3),
		WriteQueuePollIntervalMs: getEnvAsInt("WRITE_QUEUE_POLL_INTERVAL_MS", 100),
		WriteQueueMaxRetries:     getEnvAsInt("WRITE_QUEUE_MAX_RETRIES", 3),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Load optional settings from a configuration file. Environment variables
	// stay authoritative for everything above; the file only carries the
	// upstream session block and the sweeper schedule.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	if configFile, err := os.Open(configFilePath); err == nil {
		defer configFile.Close()
		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
		log.Printf("Loaded config file: %v", configFilePath)
	} else {
		log.Printf("No config file at %v, using defaults", configFilePath)
	}

	if AppConfig.Upstream == nil {
		AppConfig.Upstream = &UpstreamConfig{}
	}
	applyUpstreamDefaults(AppConfig.Upstream)

	if AppConfig.Sweeper == nil {
		AppConfig.Sweeper = &SweeperConfig{}
	}
	if AppConfig.Sweeper.Schedule == "" {
		AppConfig.Sweeper.Schedule = "@hourly"
	}
	if AppConfig.Sweeper.MaxAgeHours <= 0 {
		AppConfig.Sweeper.MaxAgeHours = 24
	}

	// Validate required configs
	if AppConfig.UpstreamAPIKey == "" {
		log.Println("Warning: Upstream STT API key is missing. Please set UPSTREAM_STT_API_KEY environment variable.")
	}

	if AppConfig.SessionJWTSecret == "" {
		log.Println("Warning: Session JWT secret is missing. Please set SESSION_JWT_SECRET environment variable.")
	}
}

func applyUpstreamDefaults(u *UpstreamConfig) {
	if u.Model == "" {
		u.Model = "stt-rt-v3"
	}
	if u.SampleRate == 0 {
		u.SampleRate = 16000
	}
	if u.NumChannels == 0 {
		u.NumChannels = 1
	}
	if u.AudioFormat == "" {
		u.AudioFormat = "pcm_s16le"
	}
}

// AllowedOrigins returns the configured CORS origins as a slice.
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// PeriodicSaveInterval returns the periodic-save interval as a duration.
func (c *Config) PeriodicSaveInterval() time.Duration {
	return time.Duration(c.PeriodicSaveIntervalSeconds) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
