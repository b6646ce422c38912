package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Used in tests and when no
// database is configured.
type MemoryStore struct {
	mu          sync.Mutex
	transcripts []TranscriptMessage
	calls       map[string]*CallRecord
	bookings    []Booking
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]*CallRecord)}
}

func (m *MemoryStore) AppendTranscript(ctx context.Context, msg *TranscriptMessage) error {
	if msg == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts = append(m.transcripts, *msg)
	return nil
}

// Transcripts returns the messages recorded for a session, in order.
func (m *MemoryStore) Transcripts(sessionID string) []TranscriptMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TranscriptMessage
	for _, t := range m.transcripts {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

func (m *MemoryStore) StartCall(ctx context.Context, rec *CallRecord) error {
	if rec == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.calls[rec.SessionID] = &cp
	return nil
}

func (m *MemoryStore) FinishCall(ctx context.Context, rec *CallRecord) error {
	if rec == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.calls[rec.SessionID]
	if !ok || existing.EndedAt != nil {
		return nil
	}
	existing.Status = rec.Status
	existing.EndedAt = rec.EndedAt
	existing.DurationSeconds = rec.DurationSeconds
	existing.EndReason = rec.EndReason
	return nil
}

// Call returns a copy of the call record for a session.
func (m *MemoryStore) Call(sessionID string) (CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[sessionID]
	if !ok {
		return CallRecord{}, false
	}
	return *rec, true
}

func (m *MemoryStore) CreateBooking(ctx context.Context, b *Booking) error {
	if b == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings = append(m.bookings, *b)
	return nil
}

func (m *MemoryStore) FindBooking(ctx context.Context, tenantID, phone string, at time.Time) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.bookings {
		b := m.bookings[i]
		if b.TenantID == tenantID && b.Phone == phone && b.ScheduledAt.Equal(at) {
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CountBookingsAt(ctx context.Context, tenantID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.bookings {
		if b.TenantID == tenantID && b.ScheduledAt.Equal(at) {
			n++
		}
	}
	return n, nil
}

// Bookings returns a copy of every booking.
func (m *MemoryStore) Bookings() []Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Booking(nil), m.bookings...)
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
