package config

import "time"

type Config struct {
	HTTPPort       int
	DatabaseURL    string
	NATSURL        string
	MaxUploadBytes int64

	Blob   BlobConfig
	Canary CanaryConfig

	// CheckPolicyFile points at the yaml file declaring which validation
	// checks run and which of them are required.
	CheckPolicyFile string
}

type BlobConfig struct {
	// Backend is "s3" or "fs".
	Backend string
	Bucket  string
	Dir     string
}

type CanaryConfig struct {
	// Ramp holds the traffic fractions walked while healthy, ending at 1.0.
	Ramp []float64
	// Window is how long each traffic stage must stay healthy.
	Window time.Duration
	// Cadence is the poll interval at which deployments are advanced.
	Cadence time.Duration
	// Deadline bounds the total canary duration; exceeding it fails closed.
	Deadline time.Duration
	// MetricsTimeout bounds a single pull from the health feed.
	MetricsTimeout time.Duration

	MaxErrorRate  float64
	MaxLatencyP95 float64
}
