package tools

import (
	"github.com/lexiqai/voice-bridge/internal/resilience"
	"github.com/lexiqai/voice-bridge/internal/store"
)

// NewDefaultRegistry registers the built-in booking tools.
func NewDefaultRegistry(bookings store.BookingStore, notifier Notifier, breaker *resilience.CircuitBreaker) (*Registry, error) {
	return NewRegistry(
		NewCheckAvailability(bookings, breaker, 1),
		NewCreateBooking(bookings, breaker),
		NewSendConfirmation(notifier),
	)
}
