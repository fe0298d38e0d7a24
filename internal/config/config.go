package config

import (
	"fmt"
	"runtime"
)

// Config represents the complete configuration for the ctcbeam application.
// It includes settings for all commands (decode, serve, trie) and supports
// loading from configuration files, environment variables, and command-line
// flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Beam-search settings
	Decoder DecoderConfig `mapstructure:"decoder" yaml:"decoder" json:"decoder"`

	// Language model settings
	LM LMConfig `mapstructure:"lm" yaml:"lm" json:"lm"`

	// Output configuration
	Output OutputConfig `mapstructure:"output" yaml:"output" json:"output"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// DecoderConfig contains beam-search settings.
type DecoderConfig struct {
	BlankID      int     `mapstructure:"blank_id" yaml:"blank_id" json:"blank_id"`
	BeamSize     int     `mapstructure:"beam_size" yaml:"beam_size" json:"beam_size"`
	CutoffProb   float64 `mapstructure:"cutoff_prob" yaml:"cutoff_prob" json:"cutoff_prob"`
	CutoffTopN   int     `mapstructure:"cutoff_top_n" yaml:"cutoff_top_n" json:"cutoff_top_n"`
	NumProcesses int     `mapstructure:"num_processes" yaml:"num_processes" json:"num_processes"`
}

// LMConfig contains language model settings.
type LMConfig struct {
	ModelPath    string  `mapstructure:"model_path" yaml:"model_path" json:"model_path"`
	AlphabetPath string  `mapstructure:"alphabet_path" yaml:"alphabet_path" json:"alphabet_path"`
	TriePath     string  `mapstructure:"trie_path" yaml:"trie_path" json:"trie_path"`
	BuildTrie    bool    `mapstructure:"build_trie" yaml:"build_trie" json:"build_trie"`
	Unit         string  `mapstructure:"unit" yaml:"unit" json:"unit"` // "char" or "word"
	Alpha        float64 `mapstructure:"alpha" yaml:"alpha" json:"alpha"`
	Beta         float64 `mapstructure:"beta" yaml:"beta" json:"beta"`
	SpaceIndex   int     `mapstructure:"space_index" yaml:"space_index" json:"space_index"`
}

// OutputConfig contains result formatting settings.
type OutputConfig struct {
	Format string `mapstructure:"format" yaml:"format" json:"format"` // text, json, yaml
	File   string `mapstructure:"file" yaml:"file" json:"file"`
	TopK   int    `mapstructure:"top_k" yaml:"top_k" json:"top_k"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host        string `mapstructure:"host" yaml:"host" json:"host"`
	Port        int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin  string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec  int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
}

// DefaultConfig returns a configuration populated with default values.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Decoder: DecoderConfig{
			BlankID:      0,
			BeamSize:     DefaultBeamSize,
			CutoffProb:   DefaultCutoffProb,
			CutoffTopN:   DefaultCutoffTopN,
			NumProcesses: runtime.NumCPU(),
		},
		LM: LMConfig{
			Unit:       "word",
			SpaceIndex: -1,
		},
		Output: OutputConfig{
			Format: "text",
			TopK:   1,
		},
		Server: ServerConfig{
			Host:        "localhost",
			Port:        8080,
			CORSOrigin:  "*",
			MaxUploadMB: 64,
			TimeoutSec:  120,
		},
	}
}

// Validate checks the beam-search settings for values the decoder cannot run with.
func (c *DecoderConfig) Validate() error {
	if c.BeamSize < 1 {
		return fmt.Errorf("beam_size must be >= 1, got %d", c.BeamSize)
	}
	if c.CutoffProb <= 0 || c.CutoffProb > 1 {
		return fmt.Errorf("cutoff_prob must be in (0, 1], got %g", c.CutoffProb)
	}
	if c.CutoffTopN < 1 {
		return fmt.Errorf("cutoff_top_n must be >= 1, got %d", c.CutoffTopN)
	}
	if c.BlankID < 0 {
		return fmt.Errorf("blank_id must be >= 0, got %d", c.BlankID)
	}
	return nil
}

// Validate checks the language model settings.
func (c *LMConfig) Validate() error {
	if c.Unit != "char" && c.Unit != "word" {
		return fmt.Errorf("lm unit must be %q or %q, got %q", "char", "word", c.Unit)
	}
	if c.Unit == "word" && c.ModelPath != "" && c.SpaceIndex < 0 {
		return fmt.Errorf("word-unit LM requires a non-negative space_index, got %d", c.SpaceIndex)
	}
	return nil
}

// Validate checks the output settings.
func (c *OutputConfig) Validate() error {
	switch c.Format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format: %q", c.Format)
	}
	if c.TopK < 1 {
		return fmt.Errorf("top_k must be >= 1, got %d", c.TopK)
	}
	return nil
}

// Validate checks the server settings.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in [1, 65535], got %d", c.Port)
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be >= 1, got %d", c.MaxUploadMB)
	}
	return nil
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder config: %w", err)
	}
	if err := c.LM.Validate(); err != nil {
		return fmt.Errorf("lm config: %w", err)
	}
	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output config: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	return nil
}
