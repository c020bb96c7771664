package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validDecode() Decode {
	d := DefaultDecode()
	d.VocabSize = 5
	return d
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Decode.BeamWidth != 4 {
		t.Errorf("expected BeamWidth 4, got %d", cfg.Decode.BeamWidth)
	}
	if cfg.Decode.MaxDecodeLength != 30 {
		t.Errorf("expected MaxDecodeLength 30, got %d", cfg.Decode.MaxDecodeLength)
	}
	if cfg.Decode.RepetitionPenalty != 1.0 {
		t.Errorf("expected RepetitionPenalty 1.0, got %v", cfg.Decode.RepetitionPenalty)
	}
	if cfg.Decode.Temperature != 1.0 {
		t.Errorf("expected Temperature 1.0, got %v", cfg.Decode.Temperature)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Errorf("expected CacheTTL 10m, got %v", cfg.CacheTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default service config should validate: %v", err)
	}
}

func TestDecodeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Decode)
		field   string
		wantErr bool
	}{
		{name: "valid config", mutate: func(d *Decode) {}},
		{name: "zero beam width", mutate: func(d *Decode) { d.BeamWidth = 0 }, field: "beam_width", wantErr: true},
		{name: "negative beam width", mutate: func(d *Decode) { d.BeamWidth = -2 }, field: "beam_width", wantErr: true},
		{name: "zero max length", mutate: func(d *Decode) { d.MaxDecodeLength = 0 }, field: "max_decode_length", wantErr: true},
		{name: "negative length penalty", mutate: func(d *Decode) { d.LengthPenalty = -0.5 }, field: "length_penalty", wantErr: true},
		{name: "zero length penalty", mutate: func(d *Decode) { d.LengthPenalty = 0 }},
		{name: "repetition penalty below one", mutate: func(d *Decode) { d.RepetitionPenalty = 0.9 }, field: "repetition_penalty", wantErr: true},
		{name: "zero temperature", mutate: func(d *Decode) { d.Temperature = 0 }, field: "temperature", wantErr: true},
		{name: "nan temperature", mutate: func(d *Decode) { d.Temperature = math.NaN() }, field: "temperature", wantErr: true},
		{name: "zero vocab", mutate: func(d *Decode) { d.VocabSize = 0 }, field: "vocab_size", wantErr: true},
		{name: "eos out of range", mutate: func(d *Decode) { d.EOSTokenID = 5 }, field: "eos_token_id", wantErr: true},
		{name: "negative pad", mutate: func(d *Decode) { d.PadTokenID = -1 }, field: "pad_token_id", wantErr: true},
		{name: "start out of range", mutate: func(d *Decode) { d.StartTokenID = 9 }, field: "start_token_id", wantErr: true},
		{name: "negative top k", mutate: func(d *Decode) { d.TopK = -1 }, field: "top_k", wantErr: true},
		{name: "top p above one", mutate: func(d *Decode) { d.TopP = 1.5 }, field: "top_p", wantErr: true},
		{name: "negative workers", mutate: func(d *Decode) { d.Workers = -1 }, field: "workers", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDecode()
			tt.mutate(&d)
			err := d.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigurationError, got %T", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, cerr.Field)
			}
		})
	}
}

func TestMode(t *testing.T) {
	d := validDecode()
	if d.Mode() != "beam" || d.Greedy() {
		t.Errorf("beam width 4 should be beam mode, got %s", d.Mode())
	}
	d.BeamWidth = 1
	if d.Mode() != "greedy" || !d.Greedy() {
		t.Errorf("beam width 1 should be greedy, got %s", d.Mode())
	}
	d.DoSample = true
	if d.Mode() != "sample" || d.Greedy() {
		t.Errorf("do_sample should be sample mode, got %s", d.Mode())
	}
}

func TestServiceValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero max batch", func(c *Config) { c.MaxBatch = 0 }, true},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, true},
		{"negative ttl", func(c *Config) { c.CacheTTL = -time.Second }, true},
		{"negative decode timeout", func(c *Config) { c.DecodeTimeout = -time.Second }, true},
		{"no decode timeout", func(c *Config) { c.DecodeTimeout = 0 }, false},
		{"flight without path", func(c *Config) { c.FlightAddr = "localhost:8815"; c.FlightPath = "" }, true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Decode.BeamWidth != Default().Decode.BeamWidth {
		t.Errorf("expected default beam width, got %d", cfg.Decode.BeamWidth)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Errorf("expected default ttl, got %v", cfg.CacheTTL)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rewriter.yaml")
	content := `
model_path: /models/rewrite.gguf
max_batch: 8
cache_ttl: 90s
decode:
  beam_width: 3
  max_decode_length: 12
  early_stopping: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REWRITE_DECODE_TEMPERATURE", "0.7")
	t.Setenv("REWRITE_CONCURRENCY", "5")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ModelPath != "/models/rewrite.gguf" {
		t.Errorf("unexpected model path %q", cfg.ModelPath)
	}
	if cfg.MaxBatch != 8 {
		t.Errorf("expected max_batch 8, got %d", cfg.MaxBatch)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Errorf("expected ttl 90s, got %v", cfg.CacheTTL)
	}
	if cfg.Decode.BeamWidth != 3 || cfg.Decode.MaxDecodeLength != 12 || !cfg.Decode.EarlyStopping {
		t.Errorf("decode section not applied: %+v", cfg.Decode)
	}
	if cfg.Decode.Temperature != 0.7 {
		t.Errorf("expected env temperature 0.7, got %v", cfg.Decode.Temperature)
	}
	if cfg.Concurrency != 5 {
		t.Errorf("expected env concurrency 5, got %d", cfg.Concurrency)
	}
	if cfg.Decode.RepetitionPenalty != 1.0 {
		t.Errorf("unset keys should keep defaults, got %v", cfg.Decode.RepetitionPenalty)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("REWRITE_MAX_BATCH", "0")
	_, err := Load(viper.New(), "")
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) || cerr.Field != "max_batch" {
		t.Errorf("expected max_batch configuration error, got %v", err)
	}
}
