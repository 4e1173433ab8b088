package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func testGuard(audit *AuditLog) *Guard {
	return New(Config{
		AllowLists: map[Category][]string{
			CategoryTranscription: {"api.deepgram.com", "api.openai.com"},
			CategoryModelDownload: {"huggingface.co"},
		},
		LocalAllowedCategories: []Category{CategoryModelDownload},
		Audit:                  audit,
	})
}

func grantConsent(t *testing.T, g *Guard, cat Category, destination string) {
	t.Helper()
	if err := g.BeginCloudConsent(cat); err != nil {
		t.Fatalf("BeginCloudConsent: %v", err)
	}
	if err := g.ProvideCredential("sk-test"); err != nil {
		t.Fatalf("ProvideCredential: %v", err)
	}
	if err := g.ConfirmDisclosure(destination); err != nil {
		t.Fatalf("ConfirmDisclosure: %v", err)
	}
}

func TestDefaultModeIsLocal(t *testing.T) {
	g := testGuard(nil)
	if g.Mode() != ModeLocal {
		t.Fatalf("mode = %v, want %v", g.Mode(), ModeLocal)
	}
}

func TestLocalModeDeniesTranscription(t *testing.T) {
	g := testGuard(nil)

	dec := g.Authorize(context.Background(), Descriptor{
		Destination: "api.deepgram.com",
		Category:    CategoryTranscription,
	})
	if dec.Allowed {
		t.Error("transcription egress must be denied in local mode")
	}
	if dec.DenyReason == "" {
		t.Error("denial must carry a displayable reason")
	}
}

func TestLocalModeAllowsOptInCategory(t *testing.T) {
	g := testGuard(nil)

	tests := []struct {
		host    string
		allowed bool
	}{
		{"huggingface.co", true},
		{"cdn.huggingface.co", true}, // subdomain suffix match
		{"evilhuggingface.co", false},
		{"example.com", false},
	}
	for _, tc := range tests {
		dec := g.Authorize(context.Background(), Descriptor{
			Destination: tc.host,
			Category:    CategoryModelDownload,
		})
		if dec.Allowed != tc.allowed {
			t.Errorf("model download to %q: allowed = %v, want %v", tc.host, dec.Allowed, tc.allowed)
		}
	}
}

func TestConsentRequiresAllThreeSteps(t *testing.T) {
	steps := []struct {
		name string
		run  func(g *Guard)
	}{
		{"no steps", func(g *Guard) {}},
		{"begin only", func(g *Guard) {
			g.BeginCloudConsent(CategoryTranscription)
		}},
		{"begin and credential", func(g *Guard) {
			g.BeginCloudConsent(CategoryTranscription)
			g.ProvideCredential("sk-test")
		}},
		{"credential without begin", func(g *Guard) {
			g.ProvideCredential("sk-test")
			g.ConfirmDisclosure("api.deepgram.com")
		}},
		{"empty credential", func(g *Guard) {
			g.BeginCloudConsent(CategoryTranscription)
			g.ProvideCredential("")
			g.ConfirmDisclosure("api.deepgram.com")
		}},
		{"disclosure for off-list destination", func(g *Guard) {
			g.BeginCloudConsent(CategoryTranscription)
			g.ProvideCredential("sk-test")
			g.ConfirmDisclosure("attacker.example")
		}},
		{"unknown category", func(g *Guard) {
			g.BeginCloudConsent(Category("telemetry"))
			g.ProvideCredential("sk-test")
			g.ConfirmDisclosure("api.deepgram.com")
		}},
	}

	for _, tc := range steps {
		t.Run(tc.name, func(t *testing.T) {
			g := testGuard(nil)
			tc.run(g)
			if g.Mode() != ModeLocal {
				t.Errorf("mode = %v after incomplete consent, want %v", g.Mode(), ModeLocal)
			}
			dec := g.Authorize(context.Background(), Descriptor{
				Destination: "api.deepgram.com",
				Category:    CategoryTranscription,
			})
			if dec.Allowed {
				t.Error("egress allowed after incomplete consent")
			}
		})
	}
}

func TestFullConsentEnablesConsentedCategoryOnly(t *testing.T) {
	g := testGuard(nil)
	grantConsent(t, g, CategoryTranscription, "api.deepgram.com")

	if g.Mode() != ModeCloudOptIn {
		t.Fatalf("mode = %v, want %v", g.Mode(), ModeCloudOptIn)
	}

	dec := g.Authorize(context.Background(), Descriptor{
		Destination: "api.openai.com",
		Category:    CategoryTranscription,
	})
	if !dec.Allowed {
		t.Errorf("consented category denied: %s", dec.DenyReason)
	}

	// On-list but not on the consented category's list.
	dec = g.Authorize(context.Background(), Descriptor{
		Destination: "somewhere.else",
		Category:    CategoryTranscription,
	})
	if dec.Allowed {
		t.Error("off-list destination allowed in cloud mode")
	}

	// Local-allowed categories keep working in cloud mode.
	dec = g.Authorize(context.Background(), Descriptor{
		Destination: "huggingface.co",
		Category:    CategoryModelDownload,
	})
	if !dec.Allowed {
		t.Errorf("model download denied in cloud mode: %s", dec.DenyReason)
	}
}

func TestRevokeReturnsToLocal(t *testing.T) {
	g := testGuard(nil)
	grantConsent(t, g, CategoryTranscription, "api.deepgram.com")

	g.RevokeCloudConsent()

	if g.Mode() != ModeLocal {
		t.Fatalf("mode = %v after revoke, want %v", g.Mode(), ModeLocal)
	}
	dec := g.Authorize(context.Background(), Descriptor{
		Destination: "api.deepgram.com",
		Category:    CategoryTranscription,
	})
	if dec.Allowed {
		t.Error("egress allowed after revoke")
	}
}

func TestEveryAuthorizeAppendsOneAuditRecord(t *testing.T) {
	var buf bytes.Buffer
	g := testGuard(NewAuditLog(&buf))

	g.Authorize(context.Background(), Descriptor{Destination: "api.deepgram.com", Category: CategoryTranscription}) // denied
	g.Authorize(context.Background(), Descriptor{Destination: "huggingface.co", Category: CategoryModelDownload})   // allowed

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("audit lines = %d, want 2", len(lines))
	}

	var first, second Decision
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first record: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second record: %v", err)
	}
	if first.Allowed || first.Destination != "api.deepgram.com" {
		t.Errorf("first record = %+v, want denied deepgram", first)
	}
	if !second.Allowed || second.Destination != "huggingface.co" {
		t.Errorf("second record = %+v, want allowed huggingface", second)
	}

	tail := g.Tail()
	if len(tail) != 2 {
		t.Fatalf("tail length = %d, want 2", len(tail))
	}
}

func TestAuditTailIsBounded(t *testing.T) {
	l := NewAuditLog(nil)
	for range defaultTailSize + 10 {
		l.Append(Decision{Destination: "x"})
	}
	if got := len(l.Tail()); got != defaultTailSize {
		t.Errorf("tail length = %d, want %d", got, defaultTailSize)
	}
}

func TestDecisionsSubscriberReceivesOutcomes(t *testing.T) {
	g := testGuard(nil)
	ch := g.Decisions()

	g.Authorize(context.Background(), Descriptor{Destination: "api.openai.com", Category: CategoryTranscription})

	select {
	case dec := <-ch:
		if dec.Allowed {
			t.Error("expected a denial decision")
		}
	default:
		t.Fatal("no decision published to subscriber")
	}
}
