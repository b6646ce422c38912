package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	oaischema "github.com/sashabaranov/go-openai/jsonschema"

	"github.com/lexiqai/voice-bridge/internal/notify"
)

// Confirmation is a booking confirmation to deliver by SMS or email.
type Confirmation struct {
	TenantID    string `json:"tenantId"`
	SessionID   string `json:"sessionId"`
	Recipient   string `json:"recipient"`
	Date        string `json:"date"`
	ReferenceID string `json:"referenceId"`
}

// Notifier delivers confirmations. Delivery is asynchronous; a nil error
// means the request was accepted.
type Notifier interface {
	SendConfirmation(ctx context.Context, c Confirmation) error
}

// PublishNotifier hands confirmations to the event feed, where the
// messaging service picks them up.
type PublishNotifier struct {
	publisher notify.Publisher
	logger    zerolog.Logger
}

// NewPublishNotifier creates a notifier publishing to p.
func NewPublishNotifier(p notify.Publisher, logger zerolog.Logger) *PublishNotifier {
	return &PublishNotifier{publisher: p, logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *PublishNotifier) SendConfirmation(ctx context.Context, c Confirmation) error {
	n.logger.Info().
		Str("tenant_id", c.TenantID).
		Str("reference_id", c.ReferenceID).
		Msg("Confirmation requested")
	if n.publisher != nil {
		n.publisher.Publish(c.TenantID, notify.EventConfirmation, c)
	}
	return nil
}

// SendConfirmation asks the notifier to confirm a booking with the caller.
type SendConfirmation struct {
	notifier Notifier
}

// NewSendConfirmation creates the send_confirmation tool.
func NewSendConfirmation(n Notifier) *SendConfirmation {
	return &SendConfirmation{notifier: n}
}

func (t *SendConfirmation) Name() string { return SendConfirmationName }

func (t *SendConfirmation) Description() string {
	return "Send the caller a confirmation of their booking by SMS or email."
}

func (t *SendConfirmation) Schema() oaischema.Definition {
	return oaischema.Definition{
		Type: oaischema.Object,
		Properties: map[string]oaischema.Definition{
			"recipient":    {Type: oaischema.String, Description: "Phone number or email address to send the confirmation to"},
			"date":         {Type: oaischema.String, Description: "Appointment date and time as told to the caller"},
			"reference_id": {Type: oaischema.String, Description: "Booking reference returned by create_booking"},
		},
		Required: []string{"recipient", "date", "reference_id"},
	}
}

func (t *SendConfirmation) Execute(ctx context.Context, raw json.RawMessage, sc SessionContext) (Result, error) {
	var args struct {
		Recipient   string `json:"recipient"`
		Date        string `json:"date"`
		ReferenceID string `json:"reference_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	recipient := strings.TrimSpace(args.Recipient)
	if recipient == "" {
		return Result{}, fmt.Errorf("%w: recipient is required", ErrInvalidArguments)
	}

	c := Confirmation{
		TenantID:    sc.TenantID,
		SessionID:   sc.SessionID,
		Recipient:   recipient,
		Date:        strings.TrimSpace(args.Date),
		ReferenceID: strings.TrimSpace(args.ReferenceID),
	}
	if err := t.notifier.SendConfirmation(ctx, c); err != nil {
		return Result{}, fmt.Errorf("send confirmation: %w", err)
	}
	return Result{
		Success:     true,
		Message:     "Confirmation sent to " + recipient + ".",
		ReferenceID: c.ReferenceID,
	}, nil
}
