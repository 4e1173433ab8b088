// Package egress enforces the process-wide network privacy invariant: no
// network byte leaves the process while the mode is Local.
//
// Every outbound operation (remote transcription, model downloads, update
// checks) must pass [Guard.Authorize]. The guard is constructed once at
// startup, defaults to Local, and is handed explicitly to everything that
// needs it. Remote backends never receive a plain HTTP client; they get
// [Guard.HTTPClient], whose transport authorizes each request before
// dialing.
//
// Every Authorize call, allowed or denied, appends exactly one immutable
// [Decision] to the audit log. The audit trail is the mechanism by which
// the privacy guarantee is externally verifiable, not optional
// instrumentation.
package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrEgressDenied is the sentinel wrapped by every denial. A denial is a
// policy outcome, not a failure; callers surface it as a normal negative
// result.
var ErrEgressDenied = errors.New("egress denied")

// Mode is the process-wide privacy mode.
type Mode int

const (
	// ModeLocal denies all egress except destinations on an explicitly
	// configured opt-in allow-list. This is the default.
	ModeLocal Mode = iota

	// ModeCloudOptIn allows egress to destinations covered by the category
	// the user consented to.
	ModeCloudOptIn
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeCloudOptIn:
		return "cloud-opt-in"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Category classifies what an outbound request is for. Allow-lists and
// consent are granted per category, never globally.
type Category string

const (
	// CategoryTranscription covers remote transcription API calls.
	CategoryTranscription Category = "transcription"

	// CategoryModelDownload covers model file downloads.
	CategoryModelDownload Category = "model-download"
)

// Descriptor describes one attempted network operation.
type Descriptor struct {
	// Destination is the target hostname (no scheme, no port).
	Destination string

	// Category is what the operation is for.
	Category Category

	// ByteEstimate is the approximate outbound payload size, -1 if
	// unknown.
	ByteEstimate int64

	// Reason is a short human-readable purpose, e.g. "POST /v1/listen".
	Reason string
}

// Decision is the immutable audit record produced by every Authorize call.
type Decision struct {
	Timestamp    time.Time `json:"timestamp"`
	Destination  string    `json:"destination"`
	Category     Category  `json:"category"`
	ByteEstimate int64     `json:"byte_estimate"`
	Reason       string    `json:"reason"`
	Allowed      bool      `json:"allowed"`

	// DenyReason explains a denial in user-displayable terms. Empty when
	// Allowed is true.
	DenyReason string `json:"deny_reason,omitempty"`
}

// Config configures a Guard.
type Config struct {
	// AllowLists maps each category to the hostnames permitted for it.
	// A destination matches an entry when the host equals it or is a
	// subdomain of it.
	AllowLists map[Category][]string

	// LocalAllowedCategories lists categories whose allow-listed
	// destinations remain reachable even in Local mode (e.g. model
	// downloads the user opted into). All other egress is denied in
	// Local mode.
	LocalAllowedCategories []Category

	// Audit receives every decision. When nil, decisions are kept only
	// in the in-memory tail.
	Audit *AuditLog
}

// consent tracks progress through the three-step opt-in transition.
type consent struct {
	category   Category
	began      bool
	credential bool
}

// Guard is the network egress chokepoint. Safe for concurrent use.
type Guard struct {
	audit *AuditLog

	mu         sync.RWMutex
	mode       Mode
	allowLists map[Category][]string
	localCats  map[Category]bool
	consented  Category
	pending    consent

	subMu sync.Mutex
	subs  []chan Decision
}

// New constructs a Guard in Local mode.
func New(cfg Config) *Guard {
	g := &Guard{
		audit:      cfg.Audit,
		mode:       ModeLocal,
		allowLists: make(map[Category][]string, len(cfg.AllowLists)),
		localCats:  make(map[Category]bool, len(cfg.LocalAllowedCategories)),
	}
	for cat, hosts := range cfg.AllowLists {
		g.allowLists[cat] = append([]string(nil), hosts...)
	}
	for _, cat := range cfg.LocalAllowedCategories {
		g.localCats[cat] = true
	}
	if g.audit == nil {
		g.audit = NewAuditLog(nil)
	}
	return g
}

// Mode returns the current privacy mode.
func (g *Guard) Mode() Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// Authorize decides whether the described operation may reach the network.
// It always appends one decision record to the audit log and publishes it
// to subscribers, whatever the outcome.
func (g *Guard) Authorize(_ context.Context, d Descriptor) Decision {
	dec := Decision{
		Timestamp:    time.Now(),
		Destination:  d.Destination,
		Category:     d.Category,
		ByteEstimate: d.ByteEstimate,
		Reason:       d.Reason,
	}

	g.mu.RLock()
	mode := g.mode
	consented := g.consented
	onList := g.hostAllowedLocked(d.Category, d.Destination)
	localCat := g.localCats[d.Category]
	g.mu.RUnlock()

	switch {
	case mode == ModeLocal && (!localCat || !onList):
		dec.DenyReason = "local-only mode: all network access is blocked"
		if localCat {
			dec.DenyReason = fmt.Sprintf("destination %q is not on the %s allow-list", d.Destination, d.Category)
		}
	case mode == ModeCloudOptIn && d.Category != consented && (!localCat || !onList):
		dec.DenyReason = fmt.Sprintf("no consent granted for category %q", d.Category)
	case mode == ModeCloudOptIn && d.Category == consented && !onList:
		dec.DenyReason = fmt.Sprintf("destination %q is not on the %s allow-list", d.Destination, d.Category)
	default:
		dec.Allowed = true
	}

	if err := g.audit.Append(dec); err != nil {
		slog.Warn("egress: audit append failed", "destination", d.Destination, "err", err)
	}
	g.publish(dec)

	if dec.Allowed {
		slog.Debug("egress: allowed", "destination", d.Destination, "category", d.Category)
	} else {
		slog.Warn("egress: denied", "destination", d.Destination, "category", d.Category, "reason", dec.DenyReason)
	}
	return dec
}

// hostAllowedLocked reports whether host matches the category's allow-list:
// exact match or subdomain suffix match. Caller holds g.mu.
func (g *Guard) hostAllowedLocked(cat Category, host string) bool {
	for _, d := range g.allowLists[cat] {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// BeginCloudConsent starts the three-step opt-in transition for one
// category. It is step one; the mode stays Local until all three steps
// complete.
func (g *Guard) BeginCloudConsent(cat Category) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.allowLists[cat]; !ok {
		g.pending = consent{}
		return fmt.Errorf("egress: unknown category %q", cat)
	}
	g.pending = consent{category: cat, began: true}
	return nil
}

// ProvideCredential is step two: the user supplies the credential for the
// cloud service. The credential itself is held by the backend, not the
// guard; the guard only records that the step happened.
func (g *Guard) ProvideCredential(secret string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pending.began {
		g.pending = consent{}
		return errors.New("egress: consent not begun")
	}
	if secret == "" {
		g.pending = consent{}
		return errors.New("egress: empty credential")
	}
	g.pending.credential = true
	return nil
}

// ConfirmDisclosure is step three: the user confirms a disclosure prompt
// naming the destination audio will be sent to. On success the mode
// becomes CloudOptIn for the pending category.
func (g *Guard) ConfirmDisclosure(destination string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pending.began || !g.pending.credential {
		g.pending = consent{}
		return errors.New("egress: consent steps incomplete")
	}
	if !g.hostAllowedLocked(g.pending.category, destination) {
		g.pending = consent{}
		return fmt.Errorf("egress: disclosed destination %q is not on the %s allow-list", destination, g.pending.category)
	}
	g.mode = ModeCloudOptIn
	g.consented = g.pending.category
	g.pending = consent{}
	slog.Info("egress: cloud consent granted", "category", g.consented, "destination", destination)
	return nil
}

// RevokeCloudConsent returns the guard to Local mode immediately.
func (g *Guard) RevokeCloudConsent() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = ModeLocal
	g.consented = ""
	g.pending = consent{}
	slog.Info("egress: cloud consent revoked")
}

// Decisions returns a channel receiving every future decision, for live
// privacy-status display. Slow subscribers miss decisions rather than
// stalling Authorize; the audit log remains the complete record.
func (g *Guard) Decisions() <-chan Decision {
	ch := make(chan Decision, 64)
	g.subMu.Lock()
	g.subs = append(g.subs, ch)
	g.subMu.Unlock()
	return ch
}

func (g *Guard) publish(dec Decision) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- dec:
		default:
		}
	}
}

// Tail returns the most recent audit decisions, newest last.
func (g *Guard) Tail() []Decision {
	return g.audit.Tail()
}
