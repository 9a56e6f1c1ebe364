package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseRamp(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []float64
		wantErr bool
	}{
		{
			name:  "default ramp",
			input: "0.01,0.1,0.5,1",
			want:  []float64{0.01, 0.1, 0.5, 1},
		},
		{
			name:  "trim and skip empties",
			input: " 0.5 ,, 1 ",
			want:  []float64{0.5, 1},
		},
		{
			name:    "not increasing",
			input:   "0.5,0.5,1",
			wantErr: true,
		},
		{
			name:    "does not end at full traffic",
			input:   "0.01,0.5",
			wantErr: true,
		},
		{
			name:    "zero fraction",
			input:   "0,1",
			wantErr: true,
		},
		{
			name:    "not a number",
			input:   "abc",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRamp(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRamp() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseRamp() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadCheckPolicy(t *testing.T) {
	t.Run("default when unset", func(t *testing.T) {
		policy, err := LoadCheckPolicy("")
		if err != nil {
			t.Fatalf("LoadCheckPolicy() error = %v", err)
		}
		if len(policy.Checks) == 0 {
			t.Fatal("default policy has no checks")
		}
		required := 0
		for _, c := range policy.Checks {
			if c.Required {
				required++
			}
		}
		if required == 0 {
			t.Fatal("default policy has no required checks")
		}
	})

	t.Run("reads yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checks.yaml")
		data := []byte("checks:\n  - name: signature\n    required: true\n  - name: size\n    max_bytes: 1024\n")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}

		policy, err := LoadCheckPolicy(path)
		if err != nil {
			t.Fatalf("LoadCheckPolicy() error = %v", err)
		}
		if len(policy.Checks) != 2 {
			t.Fatalf("got %d checks, want 2", len(policy.Checks))
		}
		if !policy.Checks[0].Required || policy.Checks[0].Name != "signature" {
			t.Fatalf("unexpected first check: %+v", policy.Checks[0])
		}
		if policy.Checks[1].MaxBytes != 1024 {
			t.Fatalf("size max_bytes = %d, want 1024", policy.Checks[1].MaxBytes)
		}
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checks.yaml")
		data := []byte("checks:\n  - name: digest\n  - name: digest\n")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := LoadCheckPolicy(path); err == nil {
			t.Fatal("expected error for duplicate check names")
		}
	})
}
