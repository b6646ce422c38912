// Package store persists call transcripts, call records and bookings.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SourceVoice marks transcript messages that came from a phone call.
const SourceVoice = "voice"

// Call statuses.
const (
	CallInProgress = "in-progress"
	CallCompleted  = "completed"
	CallFailed     = "failed"
)

// TranscriptMessage is one completed utterance.
type TranscriptMessage struct {
	SessionID string    `json:"sessionId"`
	TenantID  string    `json:"tenantId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// CallRecord tracks one call from start to finish.
type CallRecord struct {
	SessionID       string     `json:"sessionId"`
	TenantID        string     `json:"tenantId"`
	ExternalCallID  string     `json:"externalCallId,omitempty"`
	CallerPhone     string     `json:"callerPhone,omitempty"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`
	EndReason       string     `json:"endReason,omitempty"`
}

// Booking is an appointment created by a caller.
type Booking struct {
	ReferenceID  string    `json:"referenceId"`
	TenantID     string    `json:"tenantId"`
	SessionID    string    `json:"sessionId,omitempty"`
	Phone        string    `json:"phone"`
	CustomerName string    `json:"customerName,omitempty"`
	ScheduledAt  time.Time `json:"scheduledAt"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TranscriptStore appends transcript messages.
type TranscriptStore interface {
	AppendTranscript(ctx context.Context, msg *TranscriptMessage) error
}

// CallStore records call lifecycle.
type CallStore interface {
	StartCall(ctx context.Context, rec *CallRecord) error
	FinishCall(ctx context.Context, rec *CallRecord) error
}

// BookingStore is the business storage used by booking tools.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *Booking) error
	// FindBooking returns the booking for phone at the given time, or ErrNotFound.
	FindBooking(ctx context.Context, tenantID, phone string, at time.Time) (*Booking, error)
	CountBookingsAt(ctx context.Context, tenantID string, at time.Time) (int, error)
}

// Store is every persistence concern of the bridge.
type Store interface {
	TranscriptStore
	CallStore
	BookingStore
	Ping(ctx context.Context) error
	Close() error
}
