package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port            string
	Environment     string
	AllowedOrigins  []string
	LogLevel        string
	LogFormat       string
	TLSCertFile     string
	TLSKeyFile      string
	StaticDir       string
	SendBuffer      int
	MaxMessageBytes int64
	Redis           RedisConfig
}

type RedisConfig struct {
	Enabled     bool
	Host        string
	Port        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	var origins []string
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		AllowedOrigins:  origins,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "console"),
		TLSCertFile:     getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:      getEnv("TLS_KEY_FILE", ""),
		StaticDir:       getEnv("STATIC_DIR", ""),
		SendBuffer:      getEnvInt("SEND_BUFFER", 256),
		MaxMessageBytes: int64(getEnvInt("MAX_MESSAGE_BYTES", 64*1024)),
		Redis: RedisConfig{
			Enabled:     getEnvBool("REDIS_ENABLED", false),
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			PresenceTTL: getEnvDuration("PRESENCE_TTL", 24*time.Hour),
		},
	}
}

// TLSEnabled reports whether both halves of the certificate pair are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

// Default client values
const (
	DefaultSignalURL    = "ws://localhost:8080/ws"
	DefaultSTUN         = "stun:stun.l.google.com:19302"
	DefaultVideoBitrate = 2500
)

// ClientConfig holds settings for a mesh participant
type ClientConfig struct {
	SignalURL  string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// VideoBitrateKbps is written as b=AS on local video sections. Zero disables it.
	VideoBitrateKbps int
	LogLevel         string
}

// Options carries CLI flag overrides. Empty fields fall through to env, then defaults.
type Options struct {
	SignalURL        string
	STUNServer       string
	TURNServer       string
	TURNUser         string
	TURNPass         string
	VideoBitrateKbps int
	LogLevel         string
}

// LoadClient resolves the client config with priority flag > env > default.
func LoadClient(opts Options) (*ClientConfig, error) {
	cfg := &ClientConfig{
		SignalURL:        pick(opts.SignalURL, "SIGNAL_URL", DefaultSignalURL),
		STUNServer:       pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:       pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:         pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:         pick(opts.TURNPass, "TURN_PASSWORD", ""),
		VideoBitrateKbps: opts.VideoBitrateKbps,
		LogLevel:         pick(opts.LogLevel, "LOG_LEVEL", "warn"),
	}

	if cfg.VideoBitrateKbps == 0 {
		cfg.VideoBitrateKbps = DefaultVideoBitrate
		if v := os.Getenv("VIDEO_BITRATE_KBPS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid VIDEO_BITRATE_KBPS %q", v)
			}
			cfg.VideoBitrateKbps = n
		}
	}
	if cfg.VideoBitrateKbps < 0 {
		return nil, fmt.Errorf("video bitrate must not be negative")
	}

	if !strings.HasPrefix(cfg.SignalURL, "ws://") && !strings.HasPrefix(cfg.SignalURL, "wss://") {
		return nil, fmt.Errorf("signal url must use ws:// or wss://, got %q", cfg.SignalURL)
	}

	return cfg, nil
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	return getEnv(env, def)
}

// STUNServers returns the configured STUN urls
func (c *ClientConfig) STUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// TURNServers returns TURN server URLs if configured
func (c *ClientConfig) TURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{c.TURNServer}
}
