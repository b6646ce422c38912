// Package tools executes the business actions the AI agent can request
// during a call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	oaischema "github.com/sashabaranov/go-openai/jsonschema"
)

// Tool names.
const (
	CreateBookingName     = "create_booking"
	SendConfirmationName  = "send_confirmation"
	CheckAvailabilityName = "check_availability"
)

var (
	// ErrUnknownTool is returned for calls to unregistered tools.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments wraps schema and semantic argument failures.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Call is a function call requested by the AI backend.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is returned to the AI backend as the function call output.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ReferenceID string `json:"referenceId,omitempty"`
}

// Failure builds an unsuccessful result.
func Failure(msg string) Result {
	return Result{Success: false, Message: msg}
}

// JSON encodes the result for a function_call_output item.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"message":"failed to encode result"}`
	}
	return string(data)
}

// SessionContext is the call context a tool runs in.
type SessionContext struct {
	TenantID    string
	SessionID   string
	CallerPhone string
	Location    *time.Location
	// EnabledTools limits which tools may run. Nil allows every registered tool.
	EnabledTools []string
}

// Allows reports whether the tool named name may run in this context.
func (sc SessionContext) Allows(name string) bool {
	if sc.EnabledTools == nil {
		return true
	}
	for _, n := range sc.EnabledTools {
		if n == name {
			return true
		}
	}
	return false
}

func (sc SessionContext) location() *time.Location {
	if sc.Location == nil {
		return time.UTC
	}
	return sc.Location
}

// Tool is one executable business action.
type Tool interface {
	Name() string
	Description() string
	Schema() oaischema.Definition
	// Execute runs with arguments that already passed schema validation.
	Execute(ctx context.Context, args json.RawMessage, sc SessionContext) (Result, error)
}
