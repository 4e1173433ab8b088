package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smbpunt/opensay/pkg/audio"
	"github.com/smbpunt/opensay/pkg/backend"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", http.DefaultClient); err == nil {
		t.Error("empty api key should fail")
	}
	if _, err := New("sk-test", nil); err == nil {
		t.Error("nil http client should fail")
	}
}

func TestCapabilities(t *testing.T) {
	b, err := New("sk-test", http.DefaultClient)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps := b.Capabilities()
	if !caps.RequiresNetwork {
		t.Error("openai backend must report RequiresNetwork")
	}
	if caps.SupportsStreaming {
		t.Error("openai backend must not report streaming support")
	}
	if caps.Name != "openai" {
		t.Errorf("name = %q, want %q", caps.Name, "openai")
	}
}

func TestTranscribeSubmitsWAVAndParsesText(t *testing.T) {
	var gotModel string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFile, _ = io.ReadAll(f)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":" hello world "}`))
	}))
	defer srv.Close()

	b, err := New("sk-test", srv.Client(), WithBaseURL(srv.URL), WithModel("gpt-4o-transcribe"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seg := &audio.Segment{
		ID:         uuid.New(),
		Samples:    make([]int16, 16000),
		SampleRate: 16000,
		Duration:   time.Second,
	}
	res, err := b.Transcribe(context.Background(), backend.Request{Segment: seg, Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if res.Text != "hello world" {
		t.Errorf("text = %q, want trimmed %q", res.Text, "hello world")
	}
	if !res.IsFinal {
		t.Error("batch result must be final")
	}
	if res.BackendID != "openai" {
		t.Errorf("backend id = %q", res.BackendID)
	}
	if gotModel != "gpt-4o-transcribe" {
		t.Errorf("model field = %q", gotModel)
	}
	if len(gotFile) < 44 || string(gotFile[:4]) != "RIFF" || string(gotFile[8:12]) != "WAVE" {
		t.Errorf("uploaded file is not a WAV container (%d bytes)", len(gotFile))
	}
}

func TestTranscribeRejectsEmptySegment(t *testing.T) {
	b, err := New("sk-test", http.DefaultClient)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.Transcribe(context.Background(), backend.Request{}); err == nil {
		t.Error("empty segment should fail")
	}
}
