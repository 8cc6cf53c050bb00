package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	ArcGIS   ArcGISConfig
	Layers   LayersConfig
	Dispatch DispatchConfig
	Notify   NotifyConfig
	HTTP     HTTPConfig
	DB       DatabaseConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Enabled   bool
	Host      string
	Port      int
	RateLimit int // requests per second per client
}

type ArcGISConfig struct {
	Profile            string
	ProfileFile        string
	URL                string // overrides the profile's url when set
	Username           string
	Password           string
	Referer            string
	TokenExpiration    time.Duration
	GeometryServiceURL string
}

// LayersConfig holds portal item IDs. Each item's first layer is used.
type LayersConfig struct {
	WebMapItemID        string
	FireItemID          string
	ParcelsItemID       string
	StreetsItemID       string
	ParcelsAtRiskItemID string
	StreetsAtRiskItemID string
}

type DispatchConfig struct {
	PollInterval      time.Duration
	SettleDelay       time.Duration
	EditField         string
	BufferDistance    float64
	BufferUnit        string
	RetryFailedChange bool
	CheckpointPath    string
}

type NotifyConfig struct {
	PushEnabled    bool
	PushWebhookURL string
	PushSender     string

	ChatEnabled    bool
	SlackToken     string
	SlackTokenFile string
	SlackChannel   string
	SlackAPIURL    string

	SpeechEnabled  bool
	SpeechDir      string
	SpeechLanguage string
	SpeechURL      string
	SpeechPlay     bool
	SpeechPlayer   string
}

type HTTPConfig struct {
	Timeout  time.Duration
	RetryMax int
}

type DatabaseConfig struct {
	Path string
}

type LoggingConfig struct {
	Level     string
	AuditPath string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Enabled:   getEnvBool("SERVER_ENABLED", true),
			Host:      getEnv("SERVER_HOST", "localhost"),
			Port:      getEnvInt("SERVER_PORT", 8080),
			RateLimit: getEnvInt("SERVER_RATE_LIMIT", 5),
		},
		ArcGIS: ArcGISConfig{
			Profile:            getEnv("ARCGIS_PROFILE", "profile_emergency"),
			ProfileFile:        getEnv("ARCGIS_PROFILE_FILE", defaultProfileFile()),
			URL:                getEnv("ARCGIS_URL", ""),
			Username:           getEnv("ARCGIS_USERNAME", ""),
			Password:           getEnv("ARCGIS_PASSWORD", ""),
			Referer:            getEnv("ARCGIS_REFERER", "fire-dispatch"),
			TokenExpiration:    getEnvDuration("ARCGIS_TOKEN_EXPIRATION", time.Hour),
			GeometryServiceURL: getEnv("GEOMETRY_SERVICE_URL", "https://utility.arcgisonline.com/arcgis/rest/services/Geometry/GeometryServer"),
		},
		Layers: LayersConfig{
			WebMapItemID:        getEnv("WEBMAP_ITEM_ID", ""),
			FireItemID:          getEnv("FIRE_ITEM_ID", ""),
			ParcelsItemID:       getEnv("PARCELS_ITEM_ID", ""),
			StreetsItemID:       getEnv("STREETS_ITEM_ID", ""),
			ParcelsAtRiskItemID: getEnv("PARCELS_AT_RISK_ITEM_ID", ""),
			StreetsAtRiskItemID: getEnv("STREETS_AT_RISK_ITEM_ID", ""),
		},
		Dispatch: DispatchConfig{
			PollInterval:      getEnvDuration("POLL_INTERVAL", 5*time.Second),
			SettleDelay:       getEnvDuration("SETTLE_DELAY", time.Second),
			EditField:         getEnv("EDIT_FIELD", "EditDate"),
			BufferDistance:    getEnvFloat("BUFFER_DISTANCE", 100),
			BufferUnit:        strings.ToLower(getEnv("BUFFER_UNIT", "feet")),
			RetryFailedChange: getEnvBool("RETRY_FAILED_CHANGE", false),
			CheckpointPath:    getEnv("CHECKPOINT_PATH", "./last_checked.json"),
		},
		Notify: NotifyConfig{
			PushEnabled:    getEnvBool("PUSH_ENABLED", true),
			PushWebhookURL: getEnv("PUSH_WEBHOOK_URL", ""),
			PushSender:     getEnv("PUSH_SENDER", "fire-dispatch"),

			ChatEnabled:    getEnvBool("CHAT_ENABLED", true),
			SlackToken:     getEnv("SLACK_TOKEN", ""),
			SlackTokenFile: getEnv("SLACK_TOKEN_FILE", "./slack_token.txt"),
			SlackChannel:   getEnv("SLACK_CHANNEL", "#risk-analysis"),
			SlackAPIURL:    getEnv("SLACK_API_URL", ""),

			SpeechEnabled:  getEnvBool("SPEECH_ENABLED", true),
			SpeechDir:      getEnv("SPEECH_DIR", "./audio"),
			SpeechLanguage: getEnv("SPEECH_LANG", "en"),
			SpeechURL:      getEnv("SPEECH_URL", "https://translate.google.com/translate_tts"),
			SpeechPlay:     getEnvBool("SPEECH_PLAY", false),
			SpeechPlayer:   getEnv("SPEECH_PLAYER", "mpg123"),
		},
		HTTP: HTTPConfig{
			Timeout:  getEnvDuration("HTTP_TIMEOUT", 60*time.Second),
			RetryMax: getEnvInt("HTTP_RETRY_MAX", 3),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/fire-dispatch.db"),
		},
		Logging: LoggingConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			AuditPath: getEnv("AUDIT_LOG_PATH", "./output.txt"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Enabled && c.Server.RateLimit < 1 {
		return fmt.Errorf("invalid server rate limit: %d", c.Server.RateLimit)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Dispatch.PollInterval < time.Second {
		return fmt.Errorf("poll interval must be at least 1 second")
	}
	if c.Dispatch.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative")
	}
	if c.Dispatch.BufferDistance <= 0 {
		return fmt.Errorf("buffer distance must be positive")
	}
	if _, ok := BufferUnits[c.Dispatch.BufferUnit]; !ok {
		return fmt.Errorf("unsupported buffer unit: %s", c.Dispatch.BufferUnit)
	}
	if c.Dispatch.EditField == "" {
		return fmt.Errorf("EDIT_FIELD must not be empty")
	}

	required := map[string]string{
		"WEBMAP_ITEM_ID":          c.Layers.WebMapItemID,
		"FIRE_ITEM_ID":            c.Layers.FireItemID,
		"PARCELS_ITEM_ID":         c.Layers.ParcelsItemID,
		"STREETS_ITEM_ID":         c.Layers.StreetsItemID,
		"PARCELS_AT_RISK_ITEM_ID": c.Layers.ParcelsAtRiskItemID,
		"STREETS_AT_RISK_ITEM_ID": c.Layers.StreetsAtRiskItemID,
	}
	for key, val := range required {
		if val == "" {
			return fmt.Errorf("%s is required", key)
		}
	}

	if c.Notify.PushEnabled && c.Notify.PushWebhookURL == "" {
		return fmt.Errorf("PUSH_WEBHOOK_URL is required when push notifications are enabled")
	}
	if c.HTTP.RetryMax < 0 {
		return fmt.Errorf("HTTP_RETRY_MAX must not be negative")
	}

	return nil
}

// BufferUnits maps accepted BUFFER_UNIT values to Esri linear unit codes.
var BufferUnits = map[string]int{
	"feet":       9002,
	"meters":     9001,
	"miles":      9093,
	"kilometers": 9036,
}

func defaultProfileFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arcgisprofile"
	}
	return filepath.Join(home, ".arcgisprofile")
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
