package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	oaischema "github.com/sashabaranov/go-openai/jsonschema"

	"github.com/lexiqai/voice-bridge/internal/resilience"
	"github.com/lexiqai/voice-bridge/internal/store"
)

// Layouts without an offset, read in the tenant's timezone. RFC3339 is
// accepted as well.
var localLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func parseDatetime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: datetime %q must look like 2006-01-02 15:04", ErrInvalidArguments, s)
}

func newReferenceID() string {
	return "BK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// guard runs fn through the breaker when one is configured.
func guard(cb *resilience.CircuitBreaker, fn func() error) error {
	if cb == nil {
		return fn()
	}
	return cb.Call(fn)
}

// CreateBooking books an appointment for the caller.
type CreateBooking struct {
	store   store.BookingStore
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// NewCreateBooking creates the create_booking tool. breaker may be nil.
func NewCreateBooking(s store.BookingStore, breaker *resilience.CircuitBreaker) *CreateBooking {
	return &CreateBooking{store: s, breaker: breaker, now: time.Now}
}

func (t *CreateBooking) Name() string { return CreateBookingName }

func (t *CreateBooking) Description() string {
	return "Book an appointment for the caller. Confirm the date, time and phone number with the caller before calling."
}

func (t *CreateBooking) Schema() oaischema.Definition {
	return oaischema.Definition{
		Type: oaischema.Object,
		Properties: map[string]oaischema.Definition{
			"phone":    {Type: oaischema.String, Description: "Caller phone number in E.164 format"},
			"datetime": {Type: oaischema.String, Description: "Appointment start, e.g. 2025-03-04 15:30 in the business timezone"},
			"name":     {Type: oaischema.String, Description: "Caller name"},
			"notes":    {Type: oaischema.String, Description: "Reason for the visit or other notes"},
		},
		Required: []string{"phone", "datetime"},
	}
}

type createBookingArgs struct {
	Phone    string `json:"phone"`
	Datetime string `json:"datetime"`
	Name     string `json:"name"`
	Notes    string `json:"notes"`
}

func (t *CreateBooking) Execute(ctx context.Context, raw json.RawMessage, sc SessionContext) (Result, error) {
	var args createBookingArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	phone := strings.TrimSpace(args.Phone)
	if phone == "" {
		return Result{}, fmt.Errorf("%w: phone is required", ErrInvalidArguments)
	}
	at, err := parseDatetime(args.Datetime, sc.location())
	if err != nil {
		return Result{}, err
	}
	if !at.After(t.now()) {
		return Failure("That time is in the past. Please choose a future date and time."), nil
	}

	var existing *store.Booking
	err = guard(t.breaker, func() error {
		b, err := t.store.FindBooking(ctx, sc.TenantID, phone, at)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		existing = b
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("check existing booking: %w", err)
	}
	if existing != nil {
		return Result{
			Success:     true,
			Message:     "This appointment is already booked.",
			ReferenceID: existing.ReferenceID,
		}, nil
	}

	booking := &store.Booking{
		ReferenceID:  newReferenceID(),
		TenantID:     sc.TenantID,
		SessionID:    sc.SessionID,
		Phone:        phone,
		CustomerName: strings.TrimSpace(args.Name),
		ScheduledAt:  at,
		Notes:        strings.TrimSpace(args.Notes),
		CreatedAt:    t.now(),
	}
	if err := guard(t.breaker, func() error {
		return t.store.CreateBooking(ctx, booking)
	}); err != nil {
		return Result{}, fmt.Errorf("create booking: %w", err)
	}

	local := at.In(sc.location())
	return Result{
		Success:     true,
		Message:     fmt.Sprintf("Booked for %s.", local.Format("Monday, January 2 at 3:04 PM")),
		ReferenceID: booking.ReferenceID,
	}, nil
}

// CheckAvailability reports whether a slot is free.
type CheckAvailability struct {
	store    store.BookingStore
	breaker  *resilience.CircuitBreaker
	capacity int
	now      func() time.Time
}

// NewCheckAvailability creates the check_availability tool. capacity <= 0 means one booking per slot.
func NewCheckAvailability(s store.BookingStore, breaker *resilience.CircuitBreaker, capacity int) *CheckAvailability {
	if capacity <= 0 {
		capacity = 1
	}
	return &CheckAvailability{store: s, breaker: breaker, capacity: capacity, now: time.Now}
}

func (t *CheckAvailability) Name() string { return CheckAvailabilityName }

func (t *CheckAvailability) Description() string {
	return "Check whether an appointment time is available before booking it."
}

func (t *CheckAvailability) Schema() oaischema.Definition {
	return oaischema.Definition{
		Type: oaischema.Object,
		Properties: map[string]oaischema.Definition{
			"datetime": {Type: oaischema.String, Description: "Requested start, e.g. 2025-03-04 15:30 in the business timezone"},
		},
		Required: []string{"datetime"},
	}
}

func (t *CheckAvailability) Execute(ctx context.Context, raw json.RawMessage, sc SessionContext) (Result, error) {
	var args struct {
		Datetime string `json:"datetime"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	at, err := parseDatetime(args.Datetime, sc.location())
	if err != nil {
		return Result{}, err
	}
	if !at.After(t.now()) {
		return Failure("That time is in the past."), nil
	}

	var n int
	if err := guard(t.breaker, func() error {
		var err error
		n, err = t.store.CountBookingsAt(ctx, sc.TenantID, at)
		return err
	}); err != nil {
		return Result{}, fmt.Errorf("count bookings: %w", err)
	}

	local := at.In(sc.location()).Format("Monday, January 2 at 3:04 PM")
	if n >= t.capacity {
		return Result{Success: true, Message: local + " is not available."}, nil
	}
	return Result{Success: true, Message: local + " is available."}, nil
}
