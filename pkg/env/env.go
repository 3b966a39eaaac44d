package env

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadEnv loads the given .env files (".env" when none are given) into the
// process environment. Existing variables are never overridden.
func LoadEnv(files ...string) bool {
	if err := godotenv.Load(files...); err != nil {
		log.Println("⚠️  No .env file found, using system envs")
		return false
	}
	return true
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}

// GetEnvBool parses key as a bool, returning fallback when unset or malformed.
func GetEnvBool(key string, fallback bool) bool {
	value, exist := os.LookupEnv(key)
	if !exist {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}
