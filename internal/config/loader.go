package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownBackendNames lists the backend names shipped with opensay. Used by
// [Validate] to warn about likely typos; unknown names are allowed because
// callers can register their own factories.
var KnownBackendNames = []string{"whisper-local", "openai", "deepgram"}

// KnownVADEngines lists the VAD engine names shipped with opensay.
var KnownVADEngines = []string{"energy"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown fields are rejected so typos fail loudly instead of silently
// using defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BufferSeconds < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_seconds %d must be positive", cfg.Audio.BufferSeconds))
	}
	if cfg.Audio.RecoveryAttempts < 0 {
		errs = append(errs, fmt.Errorf("audio.recovery_attempts %d must not be negative", cfg.Audio.RecoveryAttempts))
	}

	switch cfg.VAD.FrameMs {
	case 0, 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("vad.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.VAD.FrameMs))
	}
	if cfg.VAD.SpeechThreshold != 0 || cfg.VAD.SilenceThreshold != 0 {
		if cfg.VAD.SpeechThreshold <= 0 || cfg.VAD.SpeechThreshold >= 1 {
			errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range (0, 1)", cfg.VAD.SpeechThreshold))
		}
		if cfg.VAD.SilenceThreshold <= 0 || cfg.VAD.SilenceThreshold >= 1 {
			errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f is out of range (0, 1)", cfg.VAD.SilenceThreshold))
		}
		if cfg.VAD.SilenceThreshold >= cfg.VAD.SpeechThreshold && cfg.VAD.SpeechThreshold > 0 {
			errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f must be below vad.speech_threshold %.2f (hysteresis)", cfg.VAD.SilenceThreshold, cfg.VAD.SpeechThreshold))
		}
	}
	if cfg.VAD.Engine != "" && !slices.Contains(KnownVADEngines, cfg.VAD.Engine) {
		slog.Warn("unknown vad engine, may be a typo or an externally registered engine",
			"engine", cfg.VAD.Engine, "known", KnownVADEngines)
	}

	for name, v := range map[string]int{
		"segment.min_speech_ms":    cfg.Segment.MinSpeechMs,
		"segment.close_silence_ms": cfg.Segment.CloseSilenceMs,
		"segment.padding_ms":       cfg.Segment.PaddingMs,
		"segment.max_segment_sec":  cfg.Segment.MaxSegmentSec,
		"dispatch.workers":         cfg.Dispatch.Workers,
		"dispatch.reorder_window":  cfg.Dispatch.ReorderWindow,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", name, v))
		}
	}

	for name, v := range map[string]float64{
		"vocabulary.phonetic_threshold": cfg.Vocabulary.PhoneticThreshold,
		"vocabulary.fuzzy_threshold":    cfg.Vocabulary.FuzzyThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range (0, 1]", name, v))
		}
	}

	errs = append(errs, validateBackends(&cfg.Backends)...)

	return errors.Join(errs...)
}

// validateBackends cross-checks the active backend selection against its
// entry.
func validateBackends(b *BackendsConfig) []error {
	var errs []error

	if b.Active == "" {
		return errs
	}
	if !slices.Contains(KnownBackendNames, b.Active) {
		slog.Warn("unknown backend name, may be a typo or an externally registered backend",
			"name", b.Active, "known", KnownBackendNames)
	}

	entry := b.Entries[b.Active]
	switch b.Active {
	case "whisper-local":
		if entry.ModelPath == "" {
			errs = append(errs, fmt.Errorf("backends.entries.%s.model_path is required for the local whisper backend", b.Active))
		}
	case "openai", "deepgram":
		if entry.APIKey == "" {
			errs = append(errs, fmt.Errorf("backends.entries.%s.api_key is required", b.Active))
		}
	}
	return errs
}
