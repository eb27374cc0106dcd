package main

import (
	"os"
	"strconv"
	"time"
)

// Config collects the env-driven settings. Everything has a workable default
// except DB_DSN.
type Config struct {
	Addr       string
	DSN        string
	UploadBase string
	RulesFile  string

	MaxUploadBytes int64
	QuotaPerMin    int

	Workers       int
	LeaseTTL      time.Duration
	AttemptBudget time.Duration
	BackoffBase   time.Duration
	MaxAttempts   int

	OCRLanguages string
}

func loadConfig() *Config {
	return &Config{
		Addr:           getEnv("LISTEN_ADDR", ":8081"),
		DSN:            getEnv("DB_DSN", ""),
		UploadBase:     getEnv("UPLOAD_BASE", "uploads"),
		RulesFile:      getEnv("RULES_FILE", ""),
		MaxUploadBytes: getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
		QuotaPerMin:    getEnvAsInt("UPLOAD_QUOTA_PER_MIN", 10),
		Workers:        getEnvAsInt("OCR_WORKERS", 4),
		LeaseTTL:       getEnvAsDuration("TASK_LEASE_TTL", 60*time.Second),
		AttemptBudget:  getEnvAsDuration("TASK_ATTEMPT_BUDGET", 2*time.Minute),
		BackoffBase:    getEnvAsDuration("TASK_BACKOFF_BASE", 2*time.Second),
		MaxAttempts:    getEnvAsInt("TASK_MAX_ATTEMPTS", 3),
		OCRLanguages:   getEnv("OCR_LANGUAGES", "pol+eng"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvAsInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
