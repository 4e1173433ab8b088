// Package config provides the configuration schema, loader, backend
// registry, and file watcher for the opensay dictation pipeline.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from
// a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Segment  SegmentConfig  `yaml:"segment"`
	Backends BackendsConfig `yaml:"backends"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Privacy  PrivacyConfig  `yaml:"privacy"`

	Vocabulary VocabularyConfig `yaml:"vocabulary"`
}

// ServerConfig holds the stats/health endpoint and logging settings.
type ServerConfig struct {
	// StatsAddr is the TCP address of the stats HTTP server exposing
	// /healthz, /readyz, and /metrics (e.g., "127.0.0.1:9090"). Empty
	// disables the server.
	StatsAddr string `yaml:"stats_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig holds capture settings.
type AudioConfig struct {
	// Device is the input device ID. Empty selects the system default.
	Device string `yaml:"device"`

	// SampleRate is the pipeline sample rate in Hz. Captured audio is
	// resampled to it. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// BufferSeconds is the ring buffer capacity in seconds of audio at
	// SampleRate. Default: 60.
	BufferSeconds int `yaml:"buffer_seconds"`

	// RecoveryAttempts bounds automatic reopen attempts after device
	// loss. Default: 3.
	RecoveryAttempts int `yaml:"recovery_attempts"`

	// RecoveryDelayMs is the initial reopen delay in milliseconds; it
	// doubles per attempt. Default: 500.
	RecoveryDelayMs int `yaml:"recovery_delay_ms"`
}

// VADConfig selects and tunes the voice activity detector.
type VADConfig struct {
	// Engine selects the registered VAD engine (e.g., "energy").
	Engine string `yaml:"engine"`

	// FrameMs is the classification frame size in milliseconds; valid
	// values are 10, 20, and 30. Default: 20.
	FrameMs int `yaml:"frame_ms"`

	// SpeechThreshold opens speech when the probability rises above it.
	// SilenceThreshold closes speech when the probability falls below it;
	// it must be below SpeechThreshold (hysteresis). Both in (0, 1).
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// SegmentConfig tunes how classified frames become segments. All changes
// apply from the next segment; never retroactively.
type SegmentConfig struct {
	// MinSpeechMs is the sustained speech required to open a segment.
	// Default: 300.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// CloseSilenceMs is the trailing silence that closes a segment.
	// Default: 500.
	CloseSilenceMs int `yaml:"close_silence_ms"`

	// PaddingMs is retained before onset and after offset. Default: 150.
	PaddingMs int `yaml:"padding_ms"`

	// MaxSegmentSec bounds segment length under continuous speech.
	// Default: 30.
	MaxSegmentSec int `yaml:"max_segment_sec"`
}

// BackendsConfig selects the active transcription backend and configures
// the known ones. Only the active backend is constructed at startup;
// switching is an explicit action, never automatic.
type BackendsConfig struct {
	// Active names the backend to use: "whisper-local", "openai", or
	// "deepgram" (or any name registered in the [Registry]).
	Active string `yaml:"active"`

	// Language is the BCP-47 hint passed to backends. Empty lets the
	// backend decide.
	Language string `yaml:"language"`

	// Entries holds per-backend settings keyed by backend name.
	Entries map[string]BackendEntry `yaml:"entries"`
}

// BackendEntry is the common configuration block shared by all backends.
type BackendEntry struct {
	// APIKey authenticates against a remote backend's API.
	APIKey string `yaml:"api_key"`

	// Model selects a model within the backend (e.g., "whisper-1",
	// "nova-3").
	Model string `yaml:"model"`

	// ModelPath is the local model file for in-process backends.
	ModelPath string `yaml:"model_path"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Options holds backend-specific values not covered by the standard
	// fields.
	Options map[string]any `yaml:"options"`
}

// DispatchConfig tunes the transcription dispatcher.
type DispatchConfig struct {
	// Workers bounds concurrent local inference calls. Default: number
	// of CPUs.
	Workers int `yaml:"workers"`

	// ReorderWindow is how many segments may be in flight ahead of
	// in-order delivery. Default: 8.
	ReorderWindow int `yaml:"reorder_window"`

	// BreakerThreshold is the consecutive network failures that open the
	// circuit breaker. Default: 5.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldownSec is how long the breaker stays open. Default: 30.
	BreakerCooldownSec int `yaml:"breaker_cooldown_sec"`
}

// PrivacyConfig holds egress policy. The process always starts in
// local-only mode; cloud opt-in is a runtime consent flow, never a config
// flag.
type PrivacyConfig struct {
	// AllowLists maps an egress category ("transcription",
	// "model-download") to the hostnames permitted for it.
	AllowLists map[string][]string `yaml:"allow_lists"`

	// LocalAllowedCategories lists categories reachable even in
	// local-only mode (e.g., "model-download").
	LocalAllowedCategories []string `yaml:"local_allowed_categories"`

	// AuditLog is the path of the append-only egress decision log.
	// Empty keeps decisions in memory only.
	AuditLog string `yaml:"audit_log"`
}

// VocabularyConfig lists custom terms applied to final transcripts.
// Backends routinely mangle proper nouns and project jargon; entries
// here are matched phonetically against the output and substituted.
type VocabularyConfig struct {
	// Terms are the canonical spellings, e.g. ["Eldrinax", "Tower of
	// Whispers"]. Empty disables correction.
	Terms []string `yaml:"terms"`

	// PhoneticThreshold and FuzzyThreshold override the matcher's
	// similarity cutoffs (0 < t <= 1). Zero means the default.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold"`
}
