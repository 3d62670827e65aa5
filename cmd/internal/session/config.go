package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultDeviceLimit is the number of concurrently active sessions a user may hold.
const DefaultDeviceLimit = 2

// maxDeviceLimit keeps offers small enough to present as a choice list.
const maxDeviceLimit = 64

// Config controls admission limits, store deadlines and retention.
type Config struct {
	// DeviceLimit is the per-user active session allowance (L).
	DeviceLimit int

	// StoreTimeout bounds every store call made on behalf of a request.
	StoreTimeout time.Duration

	// RetainInactive is how long deactivated sessions are kept before purge.
	// Zero disables purging.
	RetainInactive time.Duration

	// PurgeSchedule is a cron spec for the retention job.
	PurgeSchedule string
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		DeviceLimit:    DefaultDeviceLimit,
		StoreTimeout:   2 * time.Second,
		RetainInactive: 24 * time.Hour,
		PurgeSchedule:  "@every 10m",
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - DG_SESSION_DEVICE_LIMIT (1..64)
//   - DG_STORE_TIMEOUT
//   - DG_SESSION_RETAIN_INACTIVE ("0" disables purging)
//   - DG_SESSION_PURGE_SCHEDULE
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("DG_SESSION_DEVICE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDeviceLimit {
			return Config{}, ErrConfig
		}
		cfg.DeviceLimit = n
	}

	if v := strings.TrimSpace(os.Getenv("DG_STORE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.StoreTimeout = d
	}

	if v := strings.TrimSpace(os.Getenv("DG_SESSION_RETAIN_INACTIVE")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.RetainInactive = d
	}

	if v := strings.TrimSpace(os.Getenv("DG_SESSION_PURGE_SCHEDULE")); v != "" {
		cfg.PurgeSchedule = v
	}

	return cfg, nil
}
