// Package tenant resolves the business configuration a call is answered with.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// ErrNotFound is returned by stores when no tenant matches.
var ErrNotFound = errors.New("tenant not found")

// DefaultID identifies the built-in fallback configuration.
const DefaultID = "default"

// Tenant is the configuration snapshot a session runs with.
type Tenant struct {
	ID                 string   `yaml:"id" json:"id"`
	DisplayName        string   `yaml:"display_name" json:"displayName"`
	PhoneNumber        string   `yaml:"phone_number" json:"phoneNumber"`
	GreetingTemplate   string   `yaml:"greeting" json:"greetingTemplate"`
	SystemInstructions string   `yaml:"instructions" json:"systemInstructions"`
	EnabledTools       []string `yaml:"enabled_tools" json:"enabledTools"`
	Timezone           string   `yaml:"timezone" json:"timezone"`
	Voice              string   `yaml:"voice,omitempty" json:"voice,omitempty"`
}

// Store looks tenants up. Implementations return ErrNotFound on a miss.
type Store interface {
	ByPhone(ctx context.Context, phone string) (*Tenant, error)
	ByID(ctx context.Context, id string) (*Tenant, error)
}

// Default is the configuration used when no tenant matches or the match is incomplete.
func Default() *Tenant {
	return &Tenant{
		ID:               DefaultID,
		DisplayName:      "our office",
		GreetingTemplate: "Hello, thanks for calling {{business}}. How can I help you today?",
		SystemInstructions: "You are a friendly phone receptionist. Keep answers short and " +
			"conversational. Help callers book appointments; always confirm the date, " +
			"time and phone number before booking.",
		EnabledTools: []string{"check_availability", "create_booking", "send_confirmation"},
		Timezone:     "UTC",
	}
}

// Complete reports whether the tenant carries every field the AI backend needs.
func (t *Tenant) Complete() bool {
	return t != nil &&
		strings.TrimSpace(t.SystemInstructions) != "" &&
		strings.TrimSpace(t.GreetingTemplate) != ""
}

// Greeting renders the greeting template with the business name.
func (t *Tenant) Greeting() string {
	name := t.DisplayName
	if name == "" {
		name = Default().DisplayName
	}
	return strings.ReplaceAll(t.GreetingTemplate, "{{business}}", name)
}

// Location returns the tenant's timezone, falling back to UTC.
func (t *Tenant) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Instructions returns the system instructions with the current local time
// appended so relative dates ("tomorrow at 3") resolve correctly.
func (t *Tenant) Instructions(now time.Time) string {
	local := now.In(t.Location())
	return fmt.Sprintf("%s\n\nYou are answering calls for %s. The current date and time is %s (%s).",
		t.SystemInstructions, t.DisplayName, local.Format("Monday, January 2, 2006 15:04"), local.Location())
}

// ToolEnabled reports whether name is in the tenant's tool list.
func (t *Tenant) ToolEnabled(name string) bool {
	for _, n := range t.EnabledTools {
		if n == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to a session.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	c := *t
	c.EnabledTools = append([]string(nil), t.EnabledTools...)
	return &c
}
