package egress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// defaultTailSize is how many recent decisions the in-memory tail retains
// for display.
const defaultTailSize = 256

// AuditLog is the append-only record of egress decisions: one JSON line
// per decision written to w, plus a bounded in-memory tail. Records are
// never rewritten or removed by this process; rotation is external.
type AuditLog struct {
	mu   sync.Mutex
	enc  *json.Encoder
	c    io.Closer
	tail []Decision
	max  int
}

// NewAuditLog creates an AuditLog writing to w. A nil w keeps the
// in-memory tail only.
func NewAuditLog(w io.Writer) *AuditLog {
	l := &AuditLog{max: defaultTailSize}
	if w != nil {
		l.enc = json.NewEncoder(w)
	}
	return l
}

// OpenAuditLog opens (or creates) the audit file at path in append-only
// mode.
func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("egress: open audit log: %w", err)
	}
	l := NewAuditLog(f)
	l.c = f
	return l, nil
}

// Append records one decision. The in-memory tail is updated even when the
// write fails, so the UI view and the file can diverge only by the
// reported error.
func (l *AuditLog) Append(dec Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tail = append(l.tail, dec)
	if len(l.tail) > l.max {
		l.tail = append(l.tail[:0], l.tail[len(l.tail)-l.max:]...)
	}
	if l.enc == nil {
		return nil
	}
	if err := l.enc.Encode(dec); err != nil {
		return fmt.Errorf("egress: write audit record: %w", err)
	}
	return nil
}

// Tail returns a copy of the most recent decisions, oldest first.
func (l *AuditLog) Tail() []Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Decision, len(l.tail))
	copy(out, l.tail)
	return out
}

// Close closes the underlying file, if any.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c == nil {
		return nil
	}
	err := l.c.Close()
	l.c = nil
	l.enc = nil
	return err
}
