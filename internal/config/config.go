package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigurationError reports an option that cannot be used for decoding.
// It is raised before any decode step runs and is never clamped silently.
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %v (%s)", e.Field, e.Value, e.Reason)
}

func invalid(field string, value interface{}, reason string) error {
	return &ConfigurationError{Field: field, Value: value, Reason: reason}
}

// Decode holds the options recognised by the beam search driver.
type Decode struct {
	BeamWidth         int     `mapstructure:"beam_width"`
	MaxDecodeLength   int     `mapstructure:"max_decode_length"`
	LengthPenalty     float64 `mapstructure:"length_penalty"`
	EarlyStopping     bool    `mapstructure:"early_stopping"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	Temperature       float64 `mapstructure:"temperature"`
	VocabSize         int     `mapstructure:"vocab_size"`
	EOSTokenID        int     `mapstructure:"eos_token_id"`
	PadTokenID        int     `mapstructure:"pad_token_id"`
	StartTokenID      int     `mapstructure:"start_token_id"`

	// Sampling mode draws candidates instead of taking the top scores.
	DoSample bool    `mapstructure:"do_sample"`
	TopK     int     `mapstructure:"top_k"`
	TopP     float64 `mapstructure:"top_p"`
	Seed     uint64  `mapstructure:"seed"`

	// Workers bounds per-step slot parallelism; 0 means GOMAXPROCS.
	Workers int `mapstructure:"workers"`
}

func (d *Decode) Validate() error {
	if d.BeamWidth <= 0 {
		return invalid("beam_width", d.BeamWidth, "must be positive")
	}
	if d.MaxDecodeLength <= 0 {
		return invalid("max_decode_length", d.MaxDecodeLength, "must be positive")
	}
	if math.IsNaN(d.LengthPenalty) || d.LengthPenalty < 0 {
		return invalid("length_penalty", d.LengthPenalty, "must be non-negative")
	}
	if math.IsNaN(d.RepetitionPenalty) || d.RepetitionPenalty < 1.0 {
		return invalid("repetition_penalty", d.RepetitionPenalty, "must be >= 1.0")
	}
	if math.IsNaN(d.Temperature) || d.Temperature <= 0 || math.IsInf(d.Temperature, 0) {
		return invalid("temperature", d.Temperature, "must be positive and finite")
	}
	if d.VocabSize <= 0 {
		return invalid("vocab_size", d.VocabSize, "must be positive")
	}
	for _, tok := range []struct {
		name string
		id   int
	}{
		{"eos_token_id", d.EOSTokenID},
		{"pad_token_id", d.PadTokenID},
		{"start_token_id", d.StartTokenID},
	} {
		if tok.id < 0 || tok.id >= d.VocabSize {
			return invalid(tok.name, tok.id, fmt.Sprintf("must be in [0, %d)", d.VocabSize))
		}
	}
	if d.TopK < 0 {
		return invalid("top_k", d.TopK, "must be non-negative")
	}
	if math.IsNaN(d.TopP) || d.TopP < 0 || d.TopP > 1 {
		return invalid("top_p", d.TopP, "must be in [0, 1]")
	}
	if d.Workers < 0 {
		return invalid("workers", d.Workers, "must be non-negative")
	}
	return nil
}

// Greedy reports whether the options reduce to arg-max decoding.
func (d *Decode) Greedy() bool {
	return d.BeamWidth == 1 && !d.DoSample
}

// Mode names the decoding strategy for logs and metric labels.
func (d *Decode) Mode() string {
	switch {
	case d.DoSample:
		return "sample"
	case d.BeamWidth == 1:
		return "greedy"
	default:
		return "beam"
	}
}

// DefaultDecode mirrors the rewriter's inference settings. VocabSize is
// filled in from the loaded model.
func DefaultDecode() Decode {
	return Decode{
		BeamWidth:         4,
		MaxDecodeLength:   30,
		LengthPenalty:     1.0,
		EarlyStopping:     false,
		RepetitionPenalty: 1.0,
		Temperature:       1.0,
		EOSTokenID:        1,
		PadTokenID:        0,
		StartTokenID:      0,
	}
}

// Config is the full rewriter configuration: decoding options plus the
// service, sink and observability settings around them.
type Config struct {
	Decode Decode `mapstructure:"decode"`

	ModelPath     string        `mapstructure:"model_path"`
	ModelsDir     string        `mapstructure:"models_dir"`
	MaxBatch      int           `mapstructure:"max_batch"`
	Concurrency   int           `mapstructure:"concurrency"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	CacheCapacity uint64        `mapstructure:"cache_capacity"`
	// DecodeTimeout bounds one batch decode independently of the callers
	// waiting on it; 0 disables the limit.
	DecodeTimeout time.Duration `mapstructure:"decode_timeout"`

	FlightAddr string `mapstructure:"flight_addr"`
	FlightPath string `mapstructure:"flight_path"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// Validate checks the service settings. Decode options are validated
// separately once the vocabulary size is known.
func (c *Config) Validate() error {
	if c.MaxBatch <= 0 {
		return invalid("max_batch", c.MaxBatch, "must be positive")
	}
	if c.Concurrency <= 0 {
		return invalid("concurrency", c.Concurrency, "must be positive")
	}
	if c.CacheTTL < 0 {
		return invalid("cache_ttl", c.CacheTTL, "must be non-negative")
	}
	if c.DecodeTimeout < 0 {
		return invalid("decode_timeout", c.DecodeTimeout, "must be non-negative")
	}
	if c.FlightAddr != "" && c.FlightPath == "" {
		return invalid("flight_path", c.FlightPath, "required when flight_addr is set")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return invalid("log_format", c.LogFormat, "must be console or json")
	}
	return nil
}

func Default() Config {
	return Config{
		Decode:        DefaultDecode(),
		MaxBatch:      16,
		Concurrency:   2,
		CacheTTL:      10 * time.Minute,
		CacheCapacity: 10000,
		DecodeTimeout: 2 * time.Minute,
		FlightPath:    "rewrites",
		MetricsAddr:   ":9090",
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// SetDefaults registers every key of Default on v so that environment
// variables and flags can override keys that no config file mentions.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("decode.beam_width", d.Decode.BeamWidth)
	v.SetDefault("decode.max_decode_length", d.Decode.MaxDecodeLength)
	v.SetDefault("decode.length_penalty", d.Decode.LengthPenalty)
	v.SetDefault("decode.early_stopping", d.Decode.EarlyStopping)
	v.SetDefault("decode.repetition_penalty", d.Decode.RepetitionPenalty)
	v.SetDefault("decode.temperature", d.Decode.Temperature)
	v.SetDefault("decode.vocab_size", d.Decode.VocabSize)
	v.SetDefault("decode.eos_token_id", d.Decode.EOSTokenID)
	v.SetDefault("decode.pad_token_id", d.Decode.PadTokenID)
	v.SetDefault("decode.start_token_id", d.Decode.StartTokenID)
	v.SetDefault("decode.do_sample", d.Decode.DoSample)
	v.SetDefault("decode.top_k", d.Decode.TopK)
	v.SetDefault("decode.top_p", d.Decode.TopP)
	v.SetDefault("decode.seed", d.Decode.Seed)
	v.SetDefault("decode.workers", d.Decode.Workers)

	v.SetDefault("model_path", d.ModelPath)
	v.SetDefault("models_dir", d.ModelsDir)
	v.SetDefault("max_batch", d.MaxBatch)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("cache_ttl", d.CacheTTL)
	v.SetDefault("cache_capacity", d.CacheCapacity)
	v.SetDefault("decode_timeout", d.DecodeTimeout)
	v.SetDefault("flight_addr", d.FlightAddr)
	v.SetDefault("flight_path", d.FlightPath)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// Load resolves the configuration from defaults, an optional config file,
// REWRITE_* environment variables and any flags already bound on v.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix("REWRITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
