package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/askmesh/internal/observability"
)

const (
	DefaultCapacity   = 50
	DefaultThreshold  = 2
	DefaultMaxMatches = 3
)

var keywordPattern = regexp.MustCompile(`[a-z0-9_]+`)

type Correction struct {
	// TenantID scopes the entry for listing. Drafting reads across tenants.
	TenantID     string `json:"tenant_id"`
	Query        string `json:"query"`
	FailedSQL    string `json:"failed_sql"`
	Error        string `json:"error"`
	CorrectedSQL string `json:"corrected_sql"`
}

type Entry struct {
	ID string `json:"id"`
	Correction
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists corrections. Append must trim the log to capacity
// entries, oldest first.
type Store interface {
	// Load returns the newest limit entries, oldest first.
	Load(ctx context.Context, limit int) ([]Entry, error)
	Append(ctx context.Context, entry Entry, capacity int) error
}

// NopStore keeps nothing; corrections live only for the process lifetime.
type NopStore struct{}

func (NopStore) Load(context.Context, int) ([]Entry, error) { return nil, nil }

func (NopStore) Append(context.Context, Entry, int) error { return nil }

type Options struct {
	Capacity int
	// Threshold is the keyword overlap a stored query must exceed to be
	// considered relevant. Negative selects DefaultThreshold; zero matches
	// any shared keyword.
	Threshold  int
	MaxMatches int
	Now        func() time.Time
}

// Memory is the process-wide correction log. Readers work on an immutable
// snapshot and never block; appends are serialized.
type Memory struct {
	store Store
	opts  Options

	mu       sync.Mutex
	snapshot atomic.Pointer[[]Entry]
}

func New(ctx context.Context, store Store, opts Options) (*Memory, error) {
	if store == nil {
		store = NopStore{}
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Threshold < 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxMatches <= 0 {
		opts.MaxMatches = DefaultMaxMatches
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	entries, err := store.Load(ctx, opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("load correction memory: %w", err)
	}
	if len(entries) > opts.Capacity {
		entries = entries[len(entries)-opts.Capacity:]
	}
	m := &Memory{store: store, opts: opts}
	m.snapshot.Store(&entries)
	observability.SetCorrectionMemoryEntries(len(entries))
	return m, nil
}

// Record appends a correction, evicting the oldest entries beyond capacity.
func (m *Memory) Record(ctx context.Context, correction Correction) (Entry, error) {
	entry := Entry{
		ID:         uuid.NewString(),
		Correction: correction,
		RecordedAt: m.opts.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Append(ctx, entry, m.opts.Capacity); err != nil {
		return Entry{}, fmt.Errorf("append correction: %w", err)
	}

	current := *m.snapshot.Load()
	start := 0
	if overflow := len(current) + 1 - m.opts.Capacity; overflow > 0 {
		start = overflow
	}
	next := make([]Entry, 0, len(current)-start+1)
	next = append(next, current[start:]...)
	next = append(next, entry)
	m.snapshot.Store(&next)

	observability.ObserveCorrectionAppend(len(next))
	return entry, nil
}

// Relevant returns up to MaxMatches entries, newest first, whose query shares
// more than Threshold keywords with q.
func (m *Memory) Relevant(q string) []Entry {
	want := Keywords(q)
	if len(want) == 0 {
		return nil
	}
	entries := *m.snapshot.Load()
	matches := make([]Entry, 0, m.opts.MaxMatches)
	for i := len(entries) - 1; i >= 0 && len(matches) < m.opts.MaxMatches; i-- {
		if overlap(want, Keywords(entries[i].Query)) > m.opts.Threshold {
			matches = append(matches, entries[i])
		}
	}
	return matches
}

// Recent returns up to limit entries recorded for tenantID, newest first.
// A non-positive limit returns all of them.
func (m *Memory) Recent(tenantID string, limit int) []Entry {
	entries := *m.snapshot.Load()
	out := make([]Entry, 0)
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if entries[i].TenantID == tenantID {
			out = append(out, entries[i])
		}
	}
	return out
}

// Count returns how many retained entries belong to tenantID.
func (m *Memory) Count(tenantID string) int {
	n := 0
	for _, entry := range *m.snapshot.Load() {
		if entry.TenantID == tenantID {
			n++
		}
	}
	return n
}

func (m *Memory) Len() int {
	return len(*m.snapshot.Load())
}

func (m *Memory) Capacity() int {
	return m.opts.Capacity
}

// Keywords returns the distinct lower-cased words of text.
func Keywords(text string) map[string]struct{} {
	words := keywordPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[word] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for word := range a {
		if _, ok := b[word]; ok {
			n++
		}
	}
	return n
}
