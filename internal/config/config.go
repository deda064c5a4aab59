package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Env              string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	KafkaBrokers     []string
	KafkaTopic       string
	OutboxIntervalMS int
	OutboxBatch      int
	LockTimeoutMS    int
	CashbackEnabled  bool
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	interval, err := strconv.Atoi(getEnv("OUTBOX_INTERVAL_MS", "2000"))
	if err != nil || interval < 1 {
		interval = 2000
	}
	batch, err := strconv.Atoi(getEnv("OUTBOX_BATCH", "50"))
	if err != nil || batch < 1 {
		batch = 50
	}
	lockTimeout, err := strconv.Atoi(getEnv("LOCK_TIMEOUT_MS", "5000"))
	if err != nil || lockTimeout < 1 {
		lockTimeout = 5000
	}

	cfg := Config{
		Env:              getEnv("APP_ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          redisDB,
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "backoffice.events"),
		OutboxIntervalMS: interval,
		OutboxBatch:      batch,
		LockTimeoutMS:    lockTimeout,
		CashbackEnabled:  getEnv("CASHBACK_ENABLED", "true") == "true",
	}

	return cfg
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
