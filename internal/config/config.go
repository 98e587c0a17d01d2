package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                    string
	DatabaseURL             string
	HoldTTL                 time.Duration
	CallRetryInterval       time.Duration
	CallMaxAttempts         int
	PresenceTimeout         time.Duration
	SweepInterval           time.Duration
	SweepBatchSize          int
	SpecialPullsGeneral     bool
	AnnouncerProvider       string
	AnnouncerInterval       time.Duration
	RateLimitPerMinute      int
	RateLimitBurst          int
	ActorRateLimitPerMinute int
	ActorRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	provider := os.Getenv("ANNOUNCER_PROVIDER")
	if provider == "" {
		provider = "log"
	}

	return Config{
		Port:                    port,
		DatabaseURL:             os.Getenv("DB_DSN"),
		HoldTTL:                 readDurationSeconds("HOLD_TTL_SECONDS", 120),
		CallRetryInterval:       readDurationSeconds("CALL_RETRY_SECONDS", 120),
		CallMaxAttempts:         readInt("CALL_MAX_ATTEMPTS", 3),
		PresenceTimeout:         readDurationSeconds("PRESENCE_TIMEOUT_SECONDS", 180),
		SweepInterval:           readDurationSeconds("SWEEP_INTERVAL_SECONDS", 15),
		SweepBatchSize:          readInt("SWEEP_BATCH_SIZE", 100),
		SpecialPullsGeneral:     readBool("SPECIAL_PULLS_GENERAL", true),
		AnnouncerProvider:       provider,
		AnnouncerInterval:       readDurationSeconds("ANNOUNCER_INTERVAL_SECONDS", 2),
		RateLimitPerMinute:      readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_BURST", 30),
		ActorRateLimitPerMinute: readInt("ACTOR_RATE_LIMIT_PER_MIN", 600),
		ActorRateLimitBurst:     readInt("ACTOR_RATE_LIMIT_BURST", 120),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
