package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/voice-bridge/internal/store"
)

// MemoryStore holds tenants in process, keyed by ID and phone number.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Tenant
	byPhone map[string]*Tenant
}

// NewMemoryStore creates a store seeded with tenants.
func NewMemoryStore(tenants ...*Tenant) *MemoryStore {
	m := &MemoryStore{
		byID:    make(map[string]*Tenant),
		byPhone: make(map[string]*Tenant),
	}
	for _, t := range tenants {
		m.Put(t)
	}
	return m
}

// Put adds or replaces a tenant.
func (m *MemoryStore) Put(t *Tenant) {
	if t == nil || t.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := t.Clone()
	m.byID[c.ID] = c
	if c.PhoneNumber != "" {
		m.byPhone[normalizePhone(c.PhoneNumber)] = c
	}
}

// All returns copies of every tenant, ordered by ID.
func (m *MemoryStore) All() []*Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Tenant, 0, len(m.byID))
	for _, t := range m.byID {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) ByPhone(ctx context.Context, phone string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.byPhone[normalizePhone(phone)]; ok {
		return t.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ByID(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.byID[id]; ok {
		return t.Clone(), nil
	}
	return nil, ErrNotFound
}

type tenantFile struct {
	Tenants []*Tenant `yaml:"tenants"`
}

// LoadFile reads a YAML tenants file:
//
//	tenants:
//	  - id: acme
//	    display_name: Acme Dental
//	    phone_number: "+15550001111"
//	    greeting: Thanks for calling {{business}}!
//	    instructions: You book dental cleanings.
//	    enabled_tools: [create_booking, send_confirmation]
//	    timezone: America/New_York
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}

	var f tenantFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}

	for i, t := range f.Tenants {
		if t == nil || strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("tenants[%d]: id is required", i)
		}
	}
	return NewMemoryStore(f.Tenants...), nil
}

// SQLStore reads tenants from the tenants table.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore creates a tenant store on an open database.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

const tenantColumns = `id, display_name, phone_number, greeting_template, system_instructions, enabled_tools, timezone, voice`

func (s *SQLStore) ByPhone(ctx context.Context, phone string) (*Tenant, error) {
	return s.queryOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE phone_number = $1`, normalizePhone(phone))
}

func (s *SQLStore) ByID(ctx context.Context, id string) (*Tenant, error) {
	return s.queryOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
}

func (s *SQLStore) queryOne(ctx context.Context, query string, arg string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, store.Rebind(s.driver, query), arg)

	var t Tenant
	var tools string
	err := row.Scan(&t.ID, &t.DisplayName, &t.PhoneNumber, &t.GreetingTemplate, &t.SystemInstructions, &tools, &t.Timezone, &t.Voice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	t.EnabledTools = splitTools(tools)
	return &t, nil
}

// Upsert writes a tenant row, used to seed the database from a file.
func (s *SQLStore) Upsert(ctx context.Context, t *Tenant) error {
	_, err := s.db.ExecContext(ctx, store.Rebind(s.driver, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			phone_number = excluded.phone_number,
			greeting_template = excluded.greeting_template,
			system_instructions = excluded.system_instructions,
			enabled_tools = excluded.enabled_tools,
			timezone = excluded.timezone,
			voice = excluded.voice
	`), t.ID, t.DisplayName, normalizePhone(t.PhoneNumber), t.GreetingTemplate, t.SystemInstructions,
		strings.Join(t.EnabledTools, ","), t.Timezone, t.Voice)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func splitTools(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizePhone strips formatting so "+1 (555) 000-1111" matches "+15550001111".
func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
