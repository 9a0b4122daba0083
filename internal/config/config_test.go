package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "defaults",
			config:  Config{},
			wantErr: false,
		},
		{
			name:    "postgres without dsn",
			config:  Config{Store: StoreConfig{Driver: "postgres"}},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			config:  Config{Store: StoreConfig{Driver: "bolt"}},
			wantErr: true,
		},
		{
			name:    "overlap not smaller than window",
			config:  Config{Pipeline: PipelineConfig{SliceWindow: 100, SliceOverlap: intPtr(100)}},
			wantErr: true,
		},
		{
			name:    "negative overlap",
			config:  Config{Pipeline: PipelineConfig{SliceOverlap: intPtr(-1)}},
			wantErr: true,
		},
		{
			name:    "weights leave no merge room",
			config:  Config{Pipeline: PipelineConfig{ASRWeight: 80, SummaryWeight: 20}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func intPtr(v int) *int { return &v }

func TestValidateDefaults(t *testing.T) {
	var c Config
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Pipeline.BatchSize != 1 {
		t.Errorf("BatchSize = %d, want 1", c.Pipeline.BatchSize)
	}
	if c.Pipeline.SliceWindow != 12000 || *c.Pipeline.SliceOverlap != 800 {
		t.Errorf("slicing = %d/%d, want 12000/800", c.Pipeline.SliceWindow, *c.Pipeline.SliceOverlap)
	}
	if c.Pipeline.ASRWeight != 70 || c.Pipeline.SummaryWeight != 25 {
		t.Errorf("weights = %d/%d, want 70/25", c.Pipeline.ASRWeight, c.Pipeline.SummaryWeight)
	}
	if c.Primary.Kind != "openai" || c.Secondary.Kind != "gemini" {
		t.Errorf("provider kinds = %s/%s", c.Primary.Kind, c.Secondary.Kind)
	}
	if c.Secondary.Model != "gemini-2.5-flash" {
		t.Errorf("secondary model = %s", c.Secondary.Model)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "9090"
chunks:
  max_bytes: 1024
summary:
  base_delay: 250ms
pipeline:
  slice_window: 4000
  slice_overlap: 200
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LLM_API_KEY", "sk-test")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Port = %v, want 9090", cfg.Server.Port)
	}
	if cfg.Chunks.MaxBytes != 1024 {
		t.Errorf("MaxBytes = %v, want 1024", cfg.Chunks.MaxBytes)
	}
	if cfg.Summary.BaseDelay != 250*time.Millisecond {
		t.Errorf("BaseDelay = %v", cfg.Summary.BaseDelay)
	}
	if cfg.Primary.APIKey != "sk-test" {
		t.Errorf("APIKey from env not applied: %q", cfg.Primary.APIKey)
	}
}

func TestLoadZeroOverlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("pipeline:\n  slice_overlap: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *cfg.Pipeline.SliceOverlap != 0 {
		t.Errorf("SliceOverlap = %d, want explicit 0 kept", *cfg.Pipeline.SliceOverlap)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}
