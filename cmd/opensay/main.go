// Command opensay is the main entry point for the opensay dictation
// service: microphone capture, on-device voice segmentation, and pluggable
// local or cloud transcription behind a network egress guard.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smbpunt/opensay/internal/app"
	"github.com/smbpunt/opensay/internal/capture"
	"github.com/smbpunt/opensay/internal/config"
	"github.com/smbpunt/opensay/internal/egress"
	"github.com/smbpunt/opensay/internal/health"
	"github.com/smbpunt/opensay/internal/observe"
	"github.com/smbpunt/opensay/internal/vocab"
	"github.com/smbpunt/opensay/pkg/audio"
	audiomock "github.com/smbpunt/opensay/pkg/audio/mock"
	"github.com/smbpunt/opensay/pkg/backend"
	deepgrambackend "github.com/smbpunt/opensay/pkg/backend/deepgram"
	openaibackend "github.com/smbpunt/opensay/pkg/backend/openai"
	whisperbackend "github.com/smbpunt/opensay/pkg/backend/whisper"
	"github.com/smbpunt/opensay/pkg/vad"
	"github.com/smbpunt/opensay/pkg/vad/energy"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "opensay.yaml", "path to the YAML configuration file")
	mockAudio := flag.Bool("mock-audio", false, "use an in-memory capture device instead of a real microphone (development only)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "opensay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "opensay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("opensay starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Backends.Active,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── OpenTelemetry ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "opensay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Capture host ──────────────────────────────────────────────────────────
	host, err := buildHost(*mockAudio)
	if err != nil {
		slog.Error("no capture device available", "err", err)
		return 1
	}

	// ── Backend + VAD registry ────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)
	reg.RegisterVAD("energy", func(_ config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	providers := &app.Providers{Host: host}
	providers.VAD, err = reg.CreateVAD(vadEngineName(cfg), cfg.VAD)
	if err != nil {
		slog.Error("failed to create vad engine", "err", err)
		return 1
	}

	printStartupSummary(cfg, *mockAudio)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// The active backend is built against the guard's HTTP client so every
	// network call is authorized before it dials.
	if cfg.Backends.Active != "" {
		b, err := buildBackend(cfg, reg, application.Guard())
		if err != nil {
			slog.Error("failed to create backend", "name", cfg.Backends.Active, "err", err)
			return 1
		}
		if err := application.SetBackend(b); err != nil {
			slog.Error("failed to activate backend", "name", cfg.Backends.Active, "err", err)
			return 1
		}
		slog.Info("backend active", "name", cfg.Backends.Active)
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(application, reg, logLevel, old, new)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Stats server ──────────────────────────────────────────────────────────
	if cfg.Server.StatsAddr != "" {
		statsSrv := newStatsServer(cfg.Server.StatsAddr, application)
		go func() {
			if err := statsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("stats server error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = statsSrv.Shutdown(shutdownCtx)
		}()
		slog.Info("stats server listening", "addr", cfg.Server.StatsAddr)
	}

	// ── Transcript output ─────────────────────────────────────────────────────
	go func() {
		for tr := range application.Transcripts() {
			if tr.Err != nil {
				slog.Warn("segment failed", "segment", tr.SegmentID, "err", tr.Err)
				continue
			}
			if tr.IsFinal {
				fmt.Println(tr.Text)
			}
		}
	}()

	// Begin dictating immediately; the session runs until shutdown.
	if _, err := application.StartSession(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}

	slog.Info("dictation running, press Ctrl+C to stop")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// builtinBackends lists the transcription backends that ship with opensay.
// Used for startup logging.
var builtinBackends = []string{"whisper-local", "openai", "deepgram"}

// registerBuiltinBackends wires the built-in backend factories into reg.
// Network backends receive the guard's HTTP client via CreateBackend.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend("whisper-local", func(entry config.BackendEntry, _ *http.Client) (backend.Backend, error) {
		var opts []whisperbackend.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisperbackend.WithLanguage(lang))
		}
		if translate, ok := entry.Options["translate"].(bool); ok {
			opts = append(opts, whisperbackend.WithTranslate(translate))
		}
		return whisperbackend.New(entry.ModelPath, opts...)
	})

	reg.RegisterBackend("openai", func(entry config.BackendEntry, httpClient *http.Client) (backend.Backend, error) {
		var opts []openaibackend.Option
		if entry.Model != "" {
			opts = append(opts, openaibackend.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openaibackend.WithBaseURL(entry.BaseURL))
		}
		return openaibackend.New(entry.APIKey, httpClient, opts...)
	})

	reg.RegisterBackend("deepgram", func(entry config.BackendEntry, httpClient *http.Client) (backend.Backend, error) {
		var opts []deepgrambackend.Option
		if entry.Model != "" {
			opts = append(opts, deepgrambackend.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgrambackend.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgrambackend.WithEndpoint(entry.BaseURL))
		}
		return deepgrambackend.New(entry.APIKey, httpClient, opts...)
	})

	for _, name := range builtinBackends {
		slog.Debug("registered backend", "name", name)
	}
}

// buildBackend constructs the config-selected backend with the guard's
// transcription HTTP client.
func buildBackend(cfg *config.Config, reg *config.Registry, guard *egress.Guard) (backend.Backend, error) {
	name := cfg.Backends.Active
	entry := cfg.Backends.Entries[name]
	httpClient := guard.HTTPClient(egress.CategoryTranscription)
	return reg.CreateBackend(name, entry, httpClient)
}

// buildHost returns the capture host: the in-memory mock when requested,
// otherwise an error because no platform adapter is linked into this build.
func buildHost(mock bool) (audio.Host, error) {
	if mock {
		return &audiomock.Host{
			DevicesResult: []audio.DeviceInfo{{
				ID:         "mock0",
				Name:       "Mock Microphone",
				SampleRate: 16000,
				Channels:   1,
				IsDefault:  true,
			}},
		}, nil
	}
	return nil, errors.New("no platform capture adapter in this build; run with -mock-audio for development")
}

// applyConfigChange reacts to a config file rewrite: log level applies
// immediately, a backend change is hot-swapped, everything else applies at
// the next session.
func applyConfigChange(application *app.App, reg *config.Registry, logLevel *slog.LevelVar, old, new *config.Config) {
	diff := config.Diff(old, new)

	if diff.LogLevelChanged {
		logLevel.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.BackendChanged && diff.NewBackend != "" {
		b, err := buildBackend(new, reg, application.Guard())
		if err != nil {
			slog.Error("config reload: backend rebuild failed, keeping previous backend",
				"name", diff.NewBackend, "err", err)
		} else if err := application.SetBackend(b); err != nil {
			slog.Error("config reload: backend swap rejected", "name", diff.NewBackend, "err", err)
		} else {
			slog.Info("backend hot-swapped", "name", diff.NewBackend)
		}
	}

	if diff.VADChanged || diff.SegmentChanged {
		slog.Info("segmentation tuning changed, applies at the next session")
	}
	if diff.LanguageChanged {
		slog.Info("language changed, applies at the next session", "language", diff.NewLanguage)
	}
	if diff.VocabularyChanged {
		application.SetVocabulary(vocab.New(vocab.Config{
			Terms:             new.Vocabulary.Terms,
			PhoneticThreshold: new.Vocabulary.PhoneticThreshold,
			FuzzyThreshold:    new.Vocabulary.FuzzyThreshold,
		}))
		slog.Info("custom vocabulary reloaded", "terms", len(new.Vocabulary.Terms))
	}
}

// ── Stats server ──────────────────────────────────────────────────────────────

// newStatsServer builds the HTTP server exposing health, readiness,
// Prometheus metrics, the egress audit tail, and the cloud consent flow.
func newStatsServer(addr string, application *app.App) *http.Server {
	mux := http.NewServeMux()

	checker := health.New(
		health.AvailabilityChecker("backend", application.Dispatcher().Available),
		health.Checker{Name: "capture", Check: func(_ context.Context) error {
			// Idle is healthy: no session requested yet.
			if application.CaptureState() == capture.StateError {
				return errors.New("capture recovery exhausted")
			}
			return nil
		}},
	)
	checker.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /egress/audit", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(application.Guard().Tail())
	})
	registerConsentRoutes(mux, application.Guard())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// registerConsentRoutes exposes the three-step cloud consent flow over the
// local stats server. Every step must succeed, in order, before any
// transcription audio may leave the machine.
func registerConsentRoutes(mux *http.ServeMux, guard *egress.Guard) {
	type consentRequest struct {
		Category    string `json:"category"`
		Credential  string `json:"credential"`
		Destination string `json:"destination"`
	}

	decode := func(w http.ResponseWriter, r *http.Request) (consentRequest, bool) {
		var req consentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return req, false
		}
		return req, true
	}
	respond := func(w http.ResponseWriter, err error) {
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}

	mux.HandleFunc("POST /consent/begin", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		respond(w, guard.BeginCloudConsent(egress.Category(req.Category)))
	})
	mux.HandleFunc("POST /consent/credential", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		respond(w, guard.ProvideCredential(req.Credential))
	})
	mux.HandleFunc("POST /consent/confirm", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		respond(w, guard.ConfirmDisclosure(req.Destination))
	})
	mux.HandleFunc("POST /consent/revoke", func(w http.ResponseWriter, _ *http.Request) {
		guard.RevokeCloudConsent()
		w.WriteHeader(http.StatusNoContent)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, mockAudio bool) {
	entry := cfg.Backends.Entries[cfg.Backends.Active]

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         opensay: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", backendSummary(cfg.Backends.Active, entry.Model))
	printRow("VAD engine", vadEngineName(cfg))
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	printRow("Privacy mode", "local-only")
	if mockAudio {
		printRow("Capture", "mock device")
	} else {
		printRow("Capture", cfg.Audio.Device)
	}
	if cfg.Server.StatsAddr != "" {
		printRow("Stats addr", cfg.Server.StatsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func backendSummary(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func vadEngineName(cfg *config.Config) string {
	if cfg.VAD.Engine != "" {
		return cfg.VAD.Engine
	}
	return "energy"
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a backend Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a
// string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
