package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// AudioCodec is the ffmpeg codec for uncompressed 16-bit little-endian PCM.
	AudioCodec = "pcm_s16le"
	// ContainerFormat wraps the PCM stream so clients can self-describe it.
	ContainerFormat = "wav"
	// StreamContentType is the HTTP content type of the relayed container.
	StreamContentType = "audio/wav"
)

// EncoderConfig contains configuration for the external encoder process
type EncoderConfig struct {
	BinaryPath       string        `json:"binary_path" yaml:"binary_path" mapstructure:"binary_path"`
	InputFormat      string        `json:"input_format" yaml:"input_format" mapstructure:"input_format"`
	SampleRate       int           `json:"sample_rate" yaml:"sample_rate" mapstructure:"sample_rate"`
	Channels         int           `json:"channels" yaml:"channels" mapstructure:"channels"`
	LogLevel         string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	ChunkSize        int           `json:"chunk_size" yaml:"chunk_size" mapstructure:"chunk_size"`
	KillGrace        time.Duration `json:"kill_grace" yaml:"kill_grace" mapstructure:"kill_grace"`
	DiagnosticsLimit int           `json:"diagnostics_limit" yaml:"diagnostics_limit" mapstructure:"diagnostics_limit"`
}

// LoggingConfig contains configuration for logging
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
	Output string `json:"output" yaml:"output" mapstructure:"output"`
}

// DefaultEncoderConfig returns an ffmpeg configuration reading from PulseAudio.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		BinaryPath:       "ffmpeg",
		InputFormat:      "pulse",
		LogLevel:         "error",
		ChunkSize:        1024,
		KillGrace:        3 * time.Second,
		DiagnosticsLimit: 8 * 1024,
	}
}

// DefaultLoggingConfig returns the logging defaults used by the server
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

// Invocation is the fixed command line used to start one encoder process.
type Invocation struct {
	Command string
	Args    []string
}

func (inv Invocation) String() string {
	return strings.Join(append([]string{inv.Command}, inv.Args...), " ")
}

// Invocation builds the encoder command line for the given capture source.
// Audio goes to stdout only; ffmpeg diagnostics stay on stderr.
func (c EncoderConfig) Invocation(source string) Invocation {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", c.LogLevel,
		"-f", c.InputFormat,
		"-i", source,
		"-vn",
		"-acodec", AudioCodec,
	}
	if c.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(c.SampleRate))
	}
	if c.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(c.Channels))
	}
	args = append(args, "-f", ContainerFormat, "pipe:1")

	return Invocation{Command: c.BinaryPath, Args: args}
}

// Validate validates the encoder configuration and returns any errors
func (c EncoderConfig) Validate() error {
	var errors []string

	if c.BinaryPath == "" {
		errors = append(errors, "encoder binary_path cannot be empty")
	}
	if c.InputFormat == "" {
		errors = append(errors, "encoder input_format cannot be empty")
	}
	if c.SampleRate < 0 {
		errors = append(errors, "encoder sample_rate must be >= 0")
	}
	if c.Channels < 0 {
		errors = append(errors, "encoder channels must be >= 0")
	}
	if c.ChunkSize <= 0 {
		errors = append(errors, "encoder chunk_size must be > 0")
	}
	if c.KillGrace <= 0 {
		errors = append(errors, "encoder kill_grace must be > 0")
	}
	if c.DiagnosticsLimit <= 0 {
		errors = append(errors, "encoder diagnostics_limit must be > 0")
	}

	validFFmpegLevels := map[string]bool{
		"quiet": true, "panic": true, "fatal": true, "error": true,
		"warning": true, "info": true, "verbose": true, "debug": true,
	}
	if !validFFmpegLevels[c.LogLevel] {
		errors = append(errors, "encoder log_level must be a valid ffmpeg log level")
	}

	if len(errors) > 0 {
		return fmt.Errorf("encoder configuration validation failed: %v", errors)
	}
	return nil
}

// Validate validates the logging configuration
func (c LoggingConfig) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Level)] {
		errors = append(errors, "logging level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validLogFormats[c.Format] {
		errors = append(errors, "logging format must be one of: json, text, console")
	}

	if c.Output == "" {
		errors = append(errors, "logging output cannot be empty")
	}

	if len(errors) > 0 {
		return fmt.Errorf("logging configuration validation failed: %v", errors)
	}
	return nil
}
