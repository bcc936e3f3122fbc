package main

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Flag defaults come from the environment, which may be seeded from a .env
// file in the working directory. Flags given on the command line still win.

var dotenvOnce sync.Once

func loadDotEnv() {
	dotenvOnce.Do(func() {
		_ = godotenv.Load() // .env is optional
	})
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	loadDotEnv()
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(getEnv(key, "")), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return defaultValue
	}
	return value
}
