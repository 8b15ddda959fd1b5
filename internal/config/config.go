// Package config handles relay configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all relay configuration.
type Config struct {
	// Listeners
	HardwareListen string
	AppListen      string
	HTTPListen     string
	AllowedOrigins []string // websocket origins, empty means same host

	// Storage
	DataDir string
	DBPath  string

	// Connections
	ReadTimeout time.Duration // idle limit before a connection is dropped
	SendBuffer  int           // outbound frames buffered per session

	// Limits
	HardwareQuota         int
	HardwareQuotaInterval time.Duration
	TweetWindow           time.Duration
	NotificationMaxBody   int
	LoginRateLimit        int
	LoginRateWindow       time.Duration
	BcryptCost            int

	// Blocking IO pool
	Workers     int
	WorkerQueue int

	// Push delivery (optional, logged when unset)
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	// Mail and tweet outbox (optional, logged when unset)
	AMQPURL    string
	MailQueue  string
	TweetQueue string

	// Logging
	LogLevel  string
	LogFormat string // console or json
}

// Load reads envFile if it exists, then the environment. Variables already
// set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	dataDir := getEnv("PINRELAY_DATA_DIR", "./data")
	cfg := &Config{
		HardwareListen: getEnv("PINRELAY_HARDWARE_LISTEN", ":8442"),
		AppListen:      getEnv("PINRELAY_APP_LISTEN", ":8443"),
		HTTPListen:     getEnv("PINRELAY_HTTP_LISTEN", ":8080"),
		AllowedOrigins: parseOrigins("PINRELAY_ALLOWED_ORIGINS"),

		DataDir: dataDir,
		DBPath:  getEnv("PINRELAY_DB_PATH", filepath.Join(dataDir, "pinrelay.db")),

		ReadTimeout: parseDuration("PINRELAY_READ_TIMEOUT", 60*time.Second),
		SendBuffer:  parseInt("PINRELAY_SEND_BUFFER", 1024),

		HardwareQuota:         parseInt("PINRELAY_HARDWARE_QUOTA", 100),
		HardwareQuotaInterval: parseDuration("PINRELAY_HARDWARE_QUOTA_INTERVAL", time.Second),
		TweetWindow:           parseDuration("PINRELAY_TWEET_WINDOW", 60*time.Second),
		NotificationMaxBody:   parseInt("PINRELAY_NOTIFICATION_MAX_BODY", 140),
		LoginRateLimit:        parseInt("PINRELAY_LOGIN_RATE_LIMIT", 10),
		LoginRateWindow:       parseDuration("PINRELAY_LOGIN_RATE_WINDOW", time.Minute),
		BcryptCost:            parseInt("PINRELAY_BCRYPT_COST", bcrypt.DefaultCost),

		Workers:     parseInt("PINRELAY_WORKERS", 4),
		WorkerQueue: parseInt("PINRELAY_WORKER_QUEUE", 1024),

		MQTTBroker:      os.Getenv("PINRELAY_MQTT_BROKER"),
		MQTTClientID:    getEnv("PINRELAY_MQTT_CLIENT_ID", "pinrelay"),
		MQTTUsername:    os.Getenv("PINRELAY_MQTT_USERNAME"),
		MQTTPassword:    os.Getenv("PINRELAY_MQTT_PASSWORD"),
		MQTTTopicPrefix: getEnv("PINRELAY_MQTT_TOPIC_PREFIX", "pinrelay/push"),

		AMQPURL:    os.Getenv("PINRELAY_AMQP_URL"),
		MailQueue:  getEnv("PINRELAY_MAIL_QUEUE", "pinrelay.mail"),
		TweetQueue: getEnv("PINRELAY_TWEET_QUEUE", "pinrelay.tweet"),

		LogLevel:  getEnv("PINRELAY_LOG_LEVEL", "info"),
		LogFormat: getEnv("PINRELAY_LOG_FORMAT", "console"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	for name, addr := range map[string]string{
		"PINRELAY_HARDWARE_LISTEN": c.HardwareListen,
		"PINRELAY_APP_LISTEN":      c.AppListen,
		"PINRELAY_HTTP_LISTEN":     c.HTTPListen,
	} {
		if !strings.Contains(addr, ":") {
			errs = append(errs, name+" must be host:port")
		}
	}
	if c.HardwareListen == c.AppListen {
		errs = append(errs, "PINRELAY_HARDWARE_LISTEN and PINRELAY_APP_LISTEN must differ")
	}
	if c.HardwareQuota < 1 {
		errs = append(errs, "PINRELAY_HARDWARE_QUOTA must be at least 1")
	}
	if c.HardwareQuotaInterval <= 0 {
		errs = append(errs, "PINRELAY_HARDWARE_QUOTA_INTERVAL must be positive")
	}
	if c.ReadTimeout < time.Second {
		errs = append(errs, "PINRELAY_READ_TIMEOUT must be at least 1s")
	}
	if c.NotificationMaxBody < 1 {
		errs = append(errs, "PINRELAY_NOTIFICATION_MAX_BODY must be at least 1")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Sprintf("PINRELAY_BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.Workers < 1 || c.WorkerQueue < 1 || c.SendBuffer < 1 {
		errs = append(errs, "PINRELAY_WORKERS, PINRELAY_WORKER_QUEUE and PINRELAY_SEND_BUFFER must be at least 1")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, "PINRELAY_LOG_FORMAT must be console or json")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasMQTT returns true if push delivery goes to a broker.
func (c *Config) HasMQTT() bool {
	return c.MQTTBroker != ""
}

// HasAMQP returns true if mail and tweets go to the outbox.
func (c *Config) HasAMQP() bool {
	return c.AMQPURL != ""
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
