package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/voxgate/internal/voice"
)

const DefaultJWTSecret = "xiaozhi_esp32_jwt_secret_key_for_device_authentication_system"

// Config contains all runtime settings for the device gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	WSPath           string

	AuthEnabled  bool
	JWTSecret    string
	JWTAlgorithm string
	AdminAPIKey  string

	IdleTimeout            time.Duration
	IdleCloseAfterFarewell bool
	FarewellPrompt         string
	MinUtteranceFrames     int
	ListenMode             string

	WorkerPoolSize           int
	SessionInactivityTimeout time.Duration
	RegistryOfflineRetention time.Duration
	RegistryJanitorInterval  time.Duration
	BroadcastFanout          int

	DatabaseURL string

	// ConfigFile is the optional YAML overlay for provider settings.
	ConfigFile string
	Providers  voice.Selection
	Provider   voice.Options

	LogLevel  string
	LogFormat string
}

// Load reads the optional YAML file named by APP_CONFIG_FILE, then
// environment variables, and applies safe defaults. Environment wins.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "voxgate"),
		WSPath:                   envOrDefault("WS_PATH", "/xiaozhi/v1/"),
		JWTSecret:                envOrDefault("JWT_SECRET", DefaultJWTSecret),
		JWTAlgorithm:             strings.ToUpper(envOrDefault("JWT_ALGORITHM", "HS384")),
		AdminAPIKey:              stringsTrimSpace("ADMIN_API_KEY"),
		FarewellPrompt:           stringsTrimSpace("FAREWELL_PROMPT"),
		ListenMode:               strings.ToLower(envOrDefault("LISTEN_MODE", "auto")),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ConfigFile:               stringsTrimSpace("APP_CONFIG_FILE"),
		LogLevel:                 strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		AuthEnabled:              true,
		IdleCloseAfterFarewell:   true,
		ShutdownTimeout:          15 * time.Second,
		IdleTimeout:              120 * time.Second,
		MinUtteranceFrames:       3,
		WorkerPoolSize:           32,
		SessionInactivityTimeout: 10 * time.Minute,
		RegistryOfflineRetention: 24 * time.Hour,
		RegistryJanitorInterval:  time.Minute,
		BroadcastFanout:          16,
		Providers: voice.Selection{
			VAD:    "energy",
			ASR:    "auto",
			Intent: "keyword",
			Chat:   "auto",
		},
	}

	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleTimeout, err = durationFromEnv("IDLE_TIMEOUT", cfg.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RegistryOfflineRetention, err = durationFromEnv("REGISTRY_OFFLINE_RETENTION", cfg.RegistryOfflineRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.RegistryJanitorInterval, err = durationFromEnv("REGISTRY_JANITOR_INTERVAL", cfg.RegistryJanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MinUtteranceFrames, err = intFromEnv("MIN_UTTERANCE_FRAMES", cfg.MinUtteranceFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerPoolSize, err = intFromEnv("WORKER_POOL_SIZE", cfg.WorkerPoolSize)
	if err != nil {
		return Config{}, err
	}
	cfg.BroadcastFanout, err = intFromEnv("BROADCAST_FANOUT", cfg.BroadcastFanout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthEnabled, err = boolFromEnv("AUTH_ENABLED", cfg.AuthEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleCloseAfterFarewell, err = boolFromEnv("IDLE_CLOSE_AFTER_FAREWELL", cfg.IdleCloseAfterFarewell)
	if err != nil {
		return Config{}, err
	}

	applyProviderEnv(&cfg)
	resolveAuto(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyProviderEnv(cfg *Config) {
	if v := stringsTrimSpace("VAD_PROVIDER"); v != "" {
		cfg.Providers.VAD = v
	}
	if v := stringsTrimSpace("ASR_PROVIDER"); v != "" {
		cfg.Providers.ASR = v
	}
	if v := stringsTrimSpace("INTENT_PROVIDER"); v != "" {
		cfg.Providers.Intent = v
	}
	if v := stringsTrimSpace("CHAT_PROVIDER"); v != "" {
		cfg.Providers.Chat = v
	}
	if v := stringsTrimSpace("VAD_HTTP_URL"); v != "" {
		cfg.Provider.HTTPVAD.URL = v
	}
	if v := stringsTrimSpace("ASR_HTTP_URL"); v != "" {
		cfg.Provider.HTTPASR.URL = v
	}
	if v := stringsTrimSpace("ASR_ARTIFACT_DIR"); v != "" {
		cfg.Provider.HTTPASR.ArtifactDir = v
	}
	if v := stringsTrimSpace("CHAT_HTTP_URL"); v != "" {
		cfg.Provider.Chat.URL = v
	}
}

// resolveAuto picks the http provider when its URL is configured and a
// local stand-in otherwise.
func resolveAuto(cfg *Config) {
	if strings.EqualFold(cfg.Providers.ASR, "auto") {
		cfg.Providers.ASR = "mock"
		if cfg.Provider.HTTPASR.URL != "" {
			cfg.Providers.ASR = "http"
		}
	}
	if strings.EqualFold(cfg.Providers.Chat, "auto") {
		cfg.Providers.Chat = "echo"
		if cfg.Provider.Chat.URL != "" {
			cfg.Providers.Chat = "http"
		}
	}
}

func validate(cfg Config) error {
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return fmt.Errorf("WS_PATH must start with /")
	}
	if cfg.AuthEnabled && cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when AUTH_ENABLED is set")
	}
	switch cfg.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("JWT_ALGORITHM %q is not supported", cfg.JWTAlgorithm)
	}
	if cfg.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be positive")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MinUtteranceFrames < 1 {
		return fmt.Errorf("MIN_UTTERANCE_FRAMES must be positive")
	}
	if cfg.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive")
	}
	if cfg.BroadcastFanout <= 0 {
		return fmt.Errorf("BROADCAST_FANOUT must be positive")
	}
	if cfg.RegistryOfflineRetention < 0 {
		return fmt.Errorf("REGISTRY_OFFLINE_RETENTION must be >= 0")
	}
	if cfg.RegistryJanitorInterval <= 0 {
		return fmt.Errorf("REGISTRY_JANITOR_INTERVAL must be positive")
	}
	switch cfg.ListenMode {
	case "auto", "manual", "realtime":
	default:
		return fmt.Errorf("LISTEN_MODE %q is not one of auto, manual, realtime", cfg.ListenMode)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT %q is not one of text, json", cfg.LogFormat)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", cfg.LogLevel)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
