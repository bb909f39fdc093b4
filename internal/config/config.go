package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	EventChannel      string
	DefaultLocationID string
	SupervisorPIN     string
	LockTimeoutMS     int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	lockTimeout, err := strconv.Atoi(getEnv("LOCK_TIMEOUT_MS", "3000"))
	if err != nil || lockTimeout < 100 {
		lockTimeout = 3000
	}

	return Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           redisDB,
		EventChannel:      getEnv("EVENT_CHANNEL", "barstock.inventory.events"),
		DefaultLocationID: getEnv("DEFAULT_LOCATION_ID", "main-bar"),
		SupervisorPIN:     strings.TrimSpace(os.Getenv("SUPERVISOR_PIN")),
		LockTimeoutMS:     lockTimeout,
	}
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
