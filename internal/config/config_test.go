package config_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/smbpunt/opensay/internal/config"
	"github.com/smbpunt/opensay/pkg/backend"
	backendmock "github.com/smbpunt/opensay/pkg/backend/mock"
	"github.com/smbpunt/opensay/pkg/vad"
	vadmock "github.com/smbpunt/opensay/pkg/vad/mock"
)

const sampleYAML = `
server:
  stats_addr: "127.0.0.1:9090"
  log_level: info

audio:
  device: "usb-mic-01"
  sample_rate: 16000
  buffer_seconds: 60
  recovery_attempts: 3
  recovery_delay_ms: 500

vad:
  engine: energy
  frame_ms: 20
  speech_threshold: 0.6
  silence_threshold: 0.4

segment:
  min_speech_ms: 300
  close_silence_ms: 500
  padding_ms: 150
  max_segment_sec: 30

backends:
  active: deepgram
  language: en
  entries:
    deepgram:
      api_key: dg-test
      model: nova-3
    whisper-local:
      model_path: /models/ggml-base.en.bin
    openai:
      api_key: sk-test
      model: whisper-1
      options:
        temperature: 0

dispatch:
  workers: 4
  reorder_window: 8
  breaker_threshold: 5
  breaker_cooldown_sec: 30

privacy:
  allow_lists:
    transcription: [api.deepgram.com, api.openai.com]
    model-download: [huggingface.co]
  local_allowed_categories: [model-download]
  audit_log: /var/lib/opensay/egress.jsonl

vocabulary:
  terms: [Eldrinax, "Tower of Whispers"]
  phonetic_threshold: 0.75
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.StatsAddr != "127.0.0.1:9090" {
		t.Errorf("stats_addr = %q", cfg.Server.StatsAddr)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.BufferSeconds != 60 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.VAD.Engine != "energy" || cfg.VAD.FrameMs != 20 {
		t.Errorf("vad = %+v", cfg.VAD)
	}
	if cfg.Segment.MinSpeechMs != 300 || cfg.Segment.MaxSegmentSec != 30 {
		t.Errorf("segment = %+v", cfg.Segment)
	}
	if cfg.Backends.Active != "deepgram" {
		t.Errorf("active backend = %q", cfg.Backends.Active)
	}
	if cfg.Backends.Entries["deepgram"].APIKey != "dg-test" {
		t.Errorf("deepgram entry = %+v", cfg.Backends.Entries["deepgram"])
	}
	if cfg.Backends.Entries["whisper-local"].ModelPath != "/models/ggml-base.en.bin" {
		t.Errorf("whisper entry = %+v", cfg.Backends.Entries["whisper-local"])
	}
	if got := cfg.Privacy.AllowLists["transcription"]; len(got) != 2 {
		t.Errorf("transcription allow-list = %v", got)
	}
	if cfg.Privacy.AuditLog != "/var/lib/opensay/egress.jsonl" {
		t.Errorf("audit_log = %q", cfg.Privacy.AuditLog)
	}
	if len(cfg.Vocabulary.Terms) != 2 || cfg.Vocabulary.PhoneticThreshold != 0.75 {
		t.Errorf("vocabulary = %+v", cfg.Vocabulary)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_port: 9090
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestRegistry_BackendRoundTrip(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterBackend("scripted", func(entry config.BackendEntry, _ *http.Client) (backend.Backend, error) {
		return &backendmock.Backend{Name: entry.Model, Available: true}, nil
	})

	b, err := r.CreateBackend("scripted", config.BackendEntry{Model: "test-model"}, http.DefaultClient)
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	if got := b.Capabilities().Name; got != "test-model" {
		t.Errorf("backend name = %q, want entry model passed through", got)
	}

	_, err = r.CreateBackend("missing", config.BackendEntry{}, nil)
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("error = %v, want ErrNotRegistered", err)
	}
}

func TestRegistry_VADRoundTrip(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterVAD("scripted", func(cfg config.VADConfig) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})

	if _, err := r.CreateVAD("scripted", config.VADConfig{}); err != nil {
		t.Fatalf("CreateVAD: %v", err)
	}
	if _, err := r.CreateVAD("missing", config.VADConfig{}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("error = %v, want ErrNotRegistered", err)
	}
}
