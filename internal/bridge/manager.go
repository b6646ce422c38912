package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/lexiqai/voice-bridge/internal/store"
	"github.com/lexiqai/voice-bridge/internal/telephony"
)

// ErrShuttingDown is returned by Open once Shutdown has begun.
var ErrShuttingDown = errors.New("bridge is shutting down")

var reaperParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Manager owns the live sessions of a process.
type Manager struct {
	deps        Deps
	opts        Options
	ownedWriter bool

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	cron *cron.Cron
}

// NewManager creates a manager. When deps.Writer is nil the manager starts
// its own writer and closes it on Shutdown.
func NewManager(deps Deps, opts Options) *Manager {
	m := &Manager{
		deps:     deps,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
	if m.deps.Writer == nil {
		m.deps.Writer = store.NewAsyncWriter(0, deps.Logger)
		m.ownedWriter = true
	}
	m.deps.Logger = deps.Logger.With().Str("component", "bridge").Logger()
	return m
}

// Open registers a session for a new telephony connection. The caller runs it.
func (m *Manager) Open(tel TelephonyLeg) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}
	connID := uuid.New().String()
	s := newSession(connID, tel, &m.deps, m.opts, m.remove)
	m.sessions[connID] = s
	return s, nil
}

func (m *Manager) remove(s *Session, _ CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ConnID())
}

// Session returns a live session by connection ID.
func (m *Manager) Session(connID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[connID]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HandleTwilioWS upgrades Media Streams connections and runs one session
// per connection until it closes.
func (m *Manager) HandleTwilioWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := telephony.Upgrade(w, r)
		if err != nil {
			m.deps.Logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
			return
		}

		s, err := m.Open(conn)
		if err != nil {
			m.deps.Logger.Warn().Err(err).Msg("Rejecting call")
			_ = conn.Close()
			return
		}
		s.log().Info().Str("remote_addr", r.RemoteAddr).Msg("Twilio WebSocket connection established")
		s.Run()
	}
}

// StartReaper closes sessions that have gone without caller audio for
// longer than the idle timeout, checked on the configured schedule.
func (m *Manager) StartReaper() error {
	if m.opts.IdleTimeout <= 0 || m.opts.ReaperSchedule == "" {
		return nil
	}

	c := cron.New(cron.WithParser(reaperParser))
	if _, err := c.AddFunc(m.opts.ReaperSchedule, m.reap); err != nil {
		return err
	}

	m.mu.Lock()
	if m.cron != nil {
		m.mu.Unlock()
		return nil
	}
	m.cron = c
	m.mu.Unlock()

	c.Start()
	m.deps.Logger.Info().
		Str("schedule", m.opts.ReaperSchedule).
		Dur("idle_timeout", m.opts.IdleTimeout).
		Msg("Session reaper started")
	return nil
}

func (m *Manager) reap() {
	now := time.Now()
	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.IdleFor(now) > m.opts.IdleTimeout {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.log().Warn().Dur("idle", s.IdleFor(now)).Msg("Closing idle session")
		s.Close(ReasonIdle)
	}
}

// Shutdown stops accepting sessions, closes the live ones and waits for
// their teardown, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	c := m.cron
	m.cron = nil
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	m.deps.Logger.Info().Int("sessions", len(live)).Msg("Closing live sessions")
	for _, s := range live {
		s.Close(ReasonShutdown)
	}

	var err error
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}

	if m.ownedWriter {
		if werr := m.deps.Writer.Close(ctx); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
