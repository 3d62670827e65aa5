package sessionapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls request limits for the session endpoints.
type Config struct {
	MaxBodyBytes int64

	// LoginUserMax login attempts per user within LoginUserWindow.
	// Zero disables the throttle.
	LoginUserMax    int
	LoginUserWindow time.Duration
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	return Config{
		MaxBodyBytes:    envInt64("DG_API_MAX_BODY_BYTES", 16<<10),
		LoginUserMax:    envInt("DG_API_LOGIN_USER_MAX", 30),
		LoginUserWindow: envDuration("DG_API_LOGIN_USER_WINDOW", time.Minute),
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
