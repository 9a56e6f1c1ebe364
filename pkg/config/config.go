package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultMaxUploadBytes = 2 << 30 // 2 GiB

// Load reads the control-plane configuration from MODELD_* environment
// variables, applying defaults where a value is optional.
func Load() (Config, error) {
	cfg := Config{}

	cfg.HTTPPort = getEnvInt("MODELD_HTTP_PORT", 8080)

	cfg.DatabaseURL = os.Getenv("MODELD_DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("MODELD_DATABASE_URL is required")
	}

	cfg.NATSURL = getEnv("MODELD_NATS_URL", "nats://127.0.0.1:4222")
	cfg.MaxUploadBytes = getEnvInt64("MODELD_MAX_UPLOAD_BYTES", defaultMaxUploadBytes)
	if cfg.MaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("MODELD_MAX_UPLOAD_BYTES must be positive")
	}

	cfg.Blob.Backend = strings.ToLower(getEnv("MODELD_BLOB_BACKEND", "s3"))
	switch cfg.Blob.Backend {
	case "s3":
		cfg.Blob.Bucket = os.Getenv("S3_BUCKET")
		if cfg.Blob.Bucket == "" {
			return Config{}, fmt.Errorf("S3_BUCKET is required when MODELD_BLOB_BACKEND=s3")
		}
	case "fs":
		cfg.Blob.Dir = os.Getenv("MODELD_BLOB_DIR")
		if cfg.Blob.Dir == "" {
			return Config{}, fmt.Errorf("MODELD_BLOB_DIR is required when MODELD_BLOB_BACKEND=fs")
		}
	default:
		return Config{}, fmt.Errorf("invalid MODELD_BLOB_BACKEND: %q", cfg.Blob.Backend)
	}

	ramp, err := ParseRamp(getEnv("MODELD_CANARY_RAMP", "0.01,0.1,0.5,1"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid MODELD_CANARY_RAMP: %w", err)
	}
	cfg.Canary.Ramp = ramp

	cfg.Canary.Window, err = getEnvDuration("MODELD_CANARY_WINDOW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.Canary.Cadence, err = getEnvDuration("MODELD_CANARY_CADENCE", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.Canary.Deadline, err = getEnvDuration("MODELD_CANARY_DEADLINE", time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.Canary.MetricsTimeout, err = getEnvDuration("MODELD_CANARY_METRICS_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg.Canary.MaxErrorRate, err = getEnvFloat("MODELD_CANARY_MAX_ERROR_RATE", 0.01)
	if err != nil {
		return Config{}, err
	}
	cfg.Canary.MaxLatencyP95, err = getEnvFloat("MODELD_CANARY_MAX_LATENCY_P95_MS", 500)
	if err != nil {
		return Config{}, err
	}

	cfg.CheckPolicyFile = getEnv("MODELD_CHECK_POLICY_FILE", "")

	return cfg, nil
}

// ParseRamp parses a comma-separated list of traffic fractions. Fractions
// must be in (0, 1], strictly increasing, and end at 1.
func ParseRamp(value string) ([]float64, error) {
	parts := strings.Split(value, ",")
	ramp := make([]float64, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a valid fraction", trimmed)
		}
		if f <= 0 || f > 1 {
			return nil, fmt.Errorf("fraction %v is outside (0, 1]", f)
		}
		if len(ramp) > 0 && f <= ramp[len(ramp)-1] {
			return nil, fmt.Errorf("ramp must be strictly increasing, got %v after %v", f, ramp[len(ramp)-1])
		}
		ramp = append(ramp, f)
	}
	if len(ramp) == 0 {
		return nil, fmt.Errorf("ramp is empty")
	}
	if ramp[len(ramp)-1] != 1 {
		return nil, fmt.Errorf("ramp must end at 1, got %v", ramp[len(ramp)-1])
	}
	return ramp, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
