// Package config loads the service configuration from the environment.
// Timer-like settings are expressed in seconds in the environment and
// surfaced as durations.
package config

import (
	"fmt"
	"strconv"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	// Conversation timers.
	FlowTTL            time.Duration // FLOW_TTL_SECONDS, default 86400
	SessionTimeout     time.Duration // SESSION_TIMEOUT_SECONDS, default 180
	MaxConfirmAttempts int           // MAX_CONFIRM_ATTEMPTS, default 2

	// Availability coordination.
	AvailabilityTimeout      time.Duration // AVAILABILITY_TIMEOUT_SECONDS, default 45
	AvailabilityTTL          time.Duration // AVAILABILITY_TTL_SECONDS, default 120
	AvailabilityPollInterval time.Duration // AVAILABILITY_POLL_INTERVAL_SECONDS, default 1.0

	// Catalog and stores.
	CatalogCacheTTL time.Duration // SERVICE_SYNONYMS_CACHE_TTL, default 3600
	StoreTimeout    time.Duration // STORE_TIMEOUT_SECONDS, default 5

	// LLM budget.
	MaxLLMConcurrency int           // MAX_LLM_CONCURRENCY, default 5
	LLMTimeout        time.Duration // LLM_TIMEOUT_SECONDS, default 5

	// Connection endpoints.
	ListenAddr    string // LISTEN_ADDR, default :8080
	RedisAddr     string // REDIS_ADDR, default localhost:6379
	RedisPassword string // REDIS_PASSWORD
	RedisDB       int    // REDIS_DB, default 0
	PostgresDSN   string // DATABASE_URL
	OpenAIKey     string // OPENAI_API_KEY
	OpenAIModel   string // OPENAI_MODEL, empty means the client default

	// Provider photo storage.
	StorageBaseURL string // STORAGE_BASE_URL
	StorageBucket  string // STORAGE_BUCKET, default provider-photos

	// Outbound messaging gateway.
	GatewayURL   string // GATEWAY_URL
	GatewayToken string // GATEWAY_TOKEN
}

// Getenv is the lookup used by Load; os.Getenv in production.
type Getenv func(key string) string

// Load reads the configuration via getenv, applying defaults for unset
// variables. Malformed numeric values are an error rather than a silent
// default.
func Load(getenv Getenv) (Config, error) {
	cfg := Config{
		ListenAddr:    ":8080",
		RedisAddr:     "localhost:6379",
		StorageBucket: "provider-photos",
	}

	var err error
	load := func(key string, def float64, dst *time.Duration) {
		if err != nil {
			return
		}
		*dst, err = seconds(getenv, key, def)
	}
	load("FLOW_TTL_SECONDS", 86400, &cfg.FlowTTL)
	load("SESSION_TIMEOUT_SECONDS", 180, &cfg.SessionTimeout)
	load("AVAILABILITY_TIMEOUT_SECONDS", 45, &cfg.AvailabilityTimeout)
	load("AVAILABILITY_TTL_SECONDS", 120, &cfg.AvailabilityTTL)
	load("AVAILABILITY_POLL_INTERVAL_SECONDS", 1.0, &cfg.AvailabilityPollInterval)
	load("SERVICE_SYNONYMS_CACHE_TTL", 3600, &cfg.CatalogCacheTTL)
	load("STORE_TIMEOUT_SECONDS", 5, &cfg.StoreTimeout)
	load("LLM_TIMEOUT_SECONDS", 5, &cfg.LLMTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxLLMConcurrency, err = integer(getenv, "MAX_LLM_CONCURRENCY", 5); err != nil {
		return Config{}, err
	}
	if cfg.MaxConfirmAttempts, err = integer(getenv, "MAX_CONFIRM_ATTEMPTS", 2); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = integer(getenv, "REDIS_DB", 0); err != nil {
		return Config{}, err
	}

	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	cfg.RedisPassword = getenv("REDIS_PASSWORD")
	cfg.PostgresDSN = getenv("DATABASE_URL")
	cfg.OpenAIKey = getenv("OPENAI_API_KEY")
	cfg.OpenAIModel = getenv("OPENAI_MODEL")
	cfg.StorageBaseURL = getenv("STORAGE_BASE_URL")
	if v := getenv("STORAGE_BUCKET"); v != "" {
		cfg.StorageBucket = v
	}
	cfg.GatewayURL = getenv("GATEWAY_URL")
	cfg.GatewayToken = getenv("GATEWAY_TOKEN")
	return cfg, nil
}

// seconds parses key as a (possibly fractional) number of seconds.
func seconds(getenv Getenv, key string, def float64) (time.Duration, error) {
	raw := getenv(key)
	if raw == "" {
		return time.Duration(def * float64(time.Second)), nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("config: %s=%q is not a valid number of seconds", key, raw)
	}
	return time.Duration(v * float64(time.Second)), nil
}

func integer(getenv Getenv, key string, def int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a valid integer", key, raw)
	}
	return v, nil
}
