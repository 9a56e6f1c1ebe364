package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CheckPolicy declares which validation checks run against uploaded
// artifacts. Required versus optional is configuration, not code.
type CheckPolicy struct {
	Checks []CheckSpec `yaml:"checks"`
}

// CheckSpec configures a single named check.
type CheckSpec struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	// MaxBytes only applies to the size check.
	MaxBytes int64 `yaml:"max_bytes,omitempty"`
	// TimeoutSeconds overrides the default per-check timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// DefaultCheckPolicy is used when no policy file is configured: signature,
// digest, and manifest checks are required, the size check is advisory.
func DefaultCheckPolicy() CheckPolicy {
	return CheckPolicy{
		Checks: []CheckSpec{
			{Name: "signature", Required: true},
			{Name: "digest", Required: true},
			{Name: "manifest", Required: true},
			{Name: "size", Required: false, MaxBytes: defaultMaxUploadBytes},
		},
	}
}

// LoadCheckPolicy reads a yaml check policy from path, or returns the default
// policy when path is empty.
func LoadCheckPolicy(path string) (CheckPolicy, error) {
	if path == "" {
		return DefaultCheckPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return CheckPolicy{}, fmt.Errorf("read check policy: %w", err)
	}

	var policy CheckPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return CheckPolicy{}, fmt.Errorf("parse check policy: %w", err)
	}
	if len(policy.Checks) == 0 {
		return CheckPolicy{}, fmt.Errorf("check policy %q declares no checks", path)
	}

	seen := make(map[string]struct{}, len(policy.Checks))
	for _, c := range policy.Checks {
		if c.Name == "" {
			return CheckPolicy{}, fmt.Errorf("check policy %q contains an unnamed check", path)
		}
		if _, dup := seen[c.Name]; dup {
			return CheckPolicy{}, fmt.Errorf("check policy %q names %q twice", path, c.Name)
		}
		seen[c.Name] = struct{}{}
	}

	return policy, nil
}
