package energy

import (
	"math"
	"testing"

	"github.com/smbpunt/opensay/pkg/vad"
)

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	s, err := New().NewSession(vad.Config{
		SampleRate:       16000,
		FrameSizeMs:      20,
		SpeechThreshold:  0.6,
		SilenceThreshold: 0.4,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// sineFrame generates one 20 ms frame of a 440 Hz tone at the given
// amplitude.
func sineFrame(amplitude float64, offset int) []int16 {
	frame := make([]int16, 320)
	for i := range frame {
		frame[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(offset+i)/16000))
	}
	return frame
}

func TestNewSession_Validation(t *testing.T) {
	e := New()
	cases := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero sample rate", vad.Config{FrameSizeMs: 20, SpeechThreshold: 0.6, SilenceThreshold: 0.4}},
		{"frame too small", vad.Config{SampleRate: 16000, FrameSizeMs: 5, SpeechThreshold: 0.6, SilenceThreshold: 0.4}},
		{"frame too large", vad.Config{SampleRate: 16000, FrameSizeMs: 50, SpeechThreshold: 0.6, SilenceThreshold: 0.4}},
		{"speech threshold out of range", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 1.5, SilenceThreshold: 0.4}},
		{"silence above speech", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.4, SilenceThreshold: 0.6}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.NewSession(tc.cfg); err == nil {
				t.Errorf("NewSession(%+v) should fail", tc.cfg)
			}
		})
	}
}

func TestProcessFrame_WrongSize(t *testing.T) {
	s := newSession(t)
	if _, err := s.ProcessFrame(make([]int16, 100)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestSilenceClassifiedAsSilence(t *testing.T) {
	s := newSession(t)
	for range 50 {
		res, err := s.ProcessFrame(make([]int16, 320))
		if err != nil {
			t.Fatal(err)
		}
		if res.Speech {
			t.Fatal("digital silence classified as speech")
		}
		if res.Probability > 0.2 {
			t.Fatalf("silence probability %v too high", res.Probability)
		}
	}
}

func TestLoudToneClassifiedAsSpeech(t *testing.T) {
	s := newSession(t)
	// Establish a noise floor with quiet frames first.
	for i := range 10 {
		if _, err := s.ProcessFrame(sineFrame(50, i*320)); err != nil {
			t.Fatal(err)
		}
	}
	var speech bool
	for i := range 20 {
		res, err := s.ProcessFrame(sineFrame(12000, i*320))
		if err != nil {
			t.Fatal(err)
		}
		if res.Speech {
			speech = true
		}
	}
	if !speech {
		t.Error("loud tone never classified as speech")
	}
}

func TestHysteresisAndReset(t *testing.T) {
	s := newSession(t)
	for i := range 10 {
		s.ProcessFrame(sineFrame(50, i*320))
	}
	for i := range 20 {
		s.ProcessFrame(sineFrame(12000, i*320))
	}
	res, _ := s.ProcessFrame(sineFrame(12000, 0))
	if !res.Speech {
		t.Fatal("expected speech before reset")
	}

	s.Reset()
	res, err := s.ProcessFrame(make([]int16, 320))
	if err != nil {
		t.Fatal(err)
	}
	if res.Speech {
		t.Error("state leaked across Reset")
	}
}

func TestClose_Idempotent(t *testing.T) {
	s := newSession(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ProcessFrame(make([]int16, 320)); err == nil {
		t.Error("ProcessFrame after Close should fail")
	}
}
