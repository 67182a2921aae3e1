// Package config provides relay configuration. Configuration is read
// from a single YAML document, unknown fields are rejected.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration doesn't pass validation.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// Config of the relay.
	Config struct {
		// Input is the location every branch reads in a loop.
		Input string `yaml:"input"`
		// Output is the sink location.
		Output string `yaml:"output"`
		// Branches is the number of branches feeding the merge.
		Branches int `yaml:"branches"`
		// Duration is the run time before stop is requested. Zero runs
		// until interrupted.
		Duration time.Duration `yaml:"duration"`
		// RebuildTimeout bounds a single branch rebuild.
		RebuildTimeout time.Duration `yaml:"rebuild_timeout"`
		// ShutdownTimeout bounds the stop sequence.
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// Sync paces the sink against buffer time.
		Sync bool `yaml:"sync"`
		// Append appends to the output instead of truncating it.
		Append bool `yaml:"append"`
		// FrameLog logs every buffer leaving the muxer.
		FrameLog bool `yaml:"frame_log"`
		// Kinds maps stage roles to backend kinds.
		Kinds Kinds `yaml:"kinds"`
		// MetricsAddr is the listen address of metrics endpoint. Empty
		// disables it.
		MetricsAddr string `yaml:"metrics_addr"`
		// LogLevel is a logrus level name.
		LogLevel string `yaml:"log_level"`
	}

	// Kinds are backend kind names of every stage role.
	Kinds struct {
		Reader  string `yaml:"reader"`
		Demuxer string `yaml:"demuxer"`
		Merger  string `yaml:"merger"`
		Parser  string `yaml:"parser"`
		Muxer   string `yaml:"muxer"`
		Sink    string `yaml:"sink"`
	}
)

// Default returns configuration with default values.
func Default() Config {
	return Config{
		Branches:        2,
		RebuildTimeout:  5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Sync:            true,
		Kinds: Kinds{
			Reader:  "filesrc",
			Demuxer: "wavdemux",
			Merger:  "concat",
			Parser:  "pcmparse",
			Muxer:   "wavmux",
			Sink:    "filesink",
		},
		LogLevel: "info",
	}
}

// Load reads configuration file. Values absent in the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode decodes a single YAML document into cfg.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: multiple documents or trailing content", ErrInvalidConfig)
	}
	return nil
}

// Validate checks configuration values.
func (c Config) Validate() error {
	var errs []error
	if c.Input == "" {
		errs = append(errs, errors.New("input is empty"))
	}
	if c.Output == "" {
		errs = append(errs, errors.New("output is empty"))
	}
	if c.Branches < 1 {
		errs = append(errs, fmt.Errorf("branches must be positive: %d", c.Branches))
	}
	if c.Duration < 0 {
		errs = append(errs, fmt.Errorf("negative duration: %v", c.Duration))
	}
	if c.RebuildTimeout <= 0 {
		errs = append(errs, fmt.Errorf("rebuild timeout must be positive: %v", c.RebuildTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive: %v", c.ShutdownTimeout))
	}
	for role, kind := range map[string]string{
		"reader":  c.Kinds.Reader,
		"demuxer": c.Kinds.Demuxer,
		"merger":  c.Kinds.Merger,
		"parser":  c.Kinds.Parser,
		"muxer":   c.Kinds.Muxer,
		"sink":    c.Kinds.Sink,
	} {
		if kind == "" {
			errs = append(errs, fmt.Errorf("%s kind is empty", role))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
