package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/notify"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/realtime"
	"github.com/lexiqai/voice-bridge/internal/store"
	"github.com/lexiqai/voice-bridge/internal/tenant"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

// Options tune every session a Manager opens.
type Options struct {
	Voice                string
	TranscriptionModel   string
	VADThreshold         float64
	VADPrefixPaddingMs   int
	VADSilenceDurationMs int
	GreetingDelay        time.Duration
	// InboundBufferFrames bounds caller audio held while the AI leg connects.
	// Zero drops it instead.
	InboundBufferFrames int
	PacerInterval       time.Duration
	IdleTimeout         time.Duration
	ReaperSchedule      string
	// CheckCredentials runs before dialing; an error ends the call as a configuration failure.
	CheckCredentials func() error
}

// OptionsFromConfig builds session options from service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Voice:                cfg.Voice,
		TranscriptionModel:   "whisper-1",
		VADThreshold:         cfg.VADThreshold,
		VADPrefixPaddingMs:   cfg.VADPrefixPaddingMs,
		VADSilenceDurationMs: cfg.VADSilenceDurationMs,
		GreetingDelay:        cfg.GreetingDelay(),
		InboundBufferFrames:  cfg.InboundBufferFrames,
		IdleTimeout:          cfg.IdleTimeout(),
		ReaperSchedule:       cfg.ReaperSchedule,
		CheckCredentials:     cfg.RequireRealtimeCredentials,
	}
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Dial        DialFunc
	Resolver    *tenant.Resolver
	Tools       *tools.Orchestrator
	Calls       store.CallStore
	Transcripts store.TranscriptStore
	Writer      *store.AsyncWriter
	Publisher   notify.Publisher
	Logger      zerolog.Logger
}

// PendingTool is a function call awaiting its result.
type PendingTool struct {
	Name        string
	Arguments   json.RawMessage
	SubmittedAt time.Time
}

// Session is one bridged phone call.
type Session struct {
	connID  string
	deps    *Deps
	opts    Options
	tel     TelephonyLeg
	metrics *observability.Metrics
	onClose func(*Session, CloseReason)

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	logger           zerolog.Logger
	state            State
	sessionID        string
	callerPhone      string
	externalCallID   string
	tenant           *tenant.Tenant
	ai               AILeg
	pacer            *audio.Pacer
	createdAt        time.Time
	startedAt        time.Time
	lastAudioAt      time.Time
	callStarted      bool
	pending          map[string]PendingTool
	handledCalls     map[string]struct{}
	responseActive   bool
	activeResponseID string
	// continueAfterResponse defers response.create until the active response ends.
	continueAfterResponse bool
	cancelled             map[string]struct{}
	greetingTimer         *time.Timer
	greeted               bool
	closeReason           CloseReason

	// inMu orders inbound chunking against the flush of buffered frames.
	inMu      sync.Mutex
	inChunker *audio.Chunker
	inBuffer  *audio.FrameQueue

	outMu      sync.Mutex
	outChunker *audio.Chunker
	queue      *audio.FrameQueue

	// turnMu orders function call outputs against response.create.
	turnMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(connID string, tel TelephonyLeg, deps *Deps, opts Options, onClose func(*Session, CloseReason)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	limit := opts.InboundBufferFrames
	if limit <= 0 {
		limit = 1
	}
	return &Session{
		connID:  connID,
		deps:    deps,
		opts:    opts,
		tel:     tel,
		metrics: observability.NewCallMetrics(connID),
		onClose: onClose,
		ctx:     ctx,
		cancel:  cancel,
		logger: observability.WithCorrelationID(deps.Logger, "").With().
			Str("conn_id", connID).
			Logger(),
		state:        StateConnecting,
		createdAt:    now,
		lastAudioAt:  now,
		pending:      make(map[string]PendingTool),
		handledCalls: make(map[string]struct{}),
		cancelled:    make(map[string]struct{}),
		inChunker:    audio.NewChunker(audio.FrameSize),
		inBuffer:     audio.NewFrameQueue(limit),
		outChunker:   audio.NewChunker(audio.FrameSize),
		queue:        audio.NewFrameQueue(0),
		done:         make(chan struct{}),
	}
}

// ConnID identifies the telephony connection.
func (s *Session) ConnID() string { return s.connID }

// SessionID is the media stream identifier, empty until the stream starts.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tenant returns a copy of the session's tenant, or nil before resolution.
func (s *Session) Tenant() *tenant.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenant.Clone()
}

// PendingTools returns the number of unresolved function calls.
func (s *Session) PendingTools() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CloseReason returns why the session ended, or "" while it is open.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// IdleFor returns how long the caller has been silent on the wire.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastAudioAt)
}

// Done is closed when teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) log() *zerolog.Logger {
	s.mu.Lock()
	l := s.logger
	s.mu.Unlock()
	return &l
}

func (s *Session) publish(event string, payload any) {
	if s.deps.Publisher == nil {
		return
	}
	s.mu.Lock()
	tenantID := ""
	if s.tenant != nil {
		tenantID = s.tenant.ID
	}
	s.mu.Unlock()
	s.deps.Publisher.Publish(tenantID, event, payload)
}

func (s *Session) persist(kind string, fn func(ctx context.Context) error) {
	if s.deps.Writer == nil {
		return
	}
	s.deps.Writer.Submit(kind, fn)
}

func (s *Session) recoverPanic(where string) {
	if r := recover(); r != nil {
		s.log().Error().Interface("panic", r).Str("where", where).Msg("Session goroutine panicked")
		s.metrics.RecordError("panic", "bridge")
		s.Close(ReasonInternalError)
	}
}

// startCall records the call once the tenant is known.
func (s *Session) startCall() {
	s.mu.Lock()
	if s.callStarted {
		s.mu.Unlock()
		return
	}
	s.callStarted = true
	rec := &store.CallRecord{
		SessionID:      s.sessionID,
		TenantID:       s.tenant.ID,
		ExternalCallID: s.externalCallID,
		CallerPhone:    s.callerPhone,
		Status:         store.CallInProgress,
		StartedAt:      s.startedAt,
	}
	s.mu.Unlock()

	s.metrics.RecordCallStart()
	if s.deps.Calls != nil {
		s.persist("call", func(ctx context.Context) error {
			return s.deps.Calls.StartCall(ctx, rec)
		})
	}
	s.publish(notify.EventCallStarted, map[string]any{
		"sessionId":   rec.SessionID,
		"callSid":     rec.ExternalCallID,
		"callerPhone": rec.CallerPhone,
	})
}

// sessionConfig builds the session.update for a tenant.
func (s *Session) sessionConfig(tn *tenant.Tenant) realtime.SessionConfig {
	voice := tn.Voice
	if voice == "" {
		voice = s.opts.Voice
	}
	cfg := realtime.SessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      tn.Instructions(time.Now()),
		Voice:             voice,
		InputAudioFormat:  realtime.AudioFormatG711ULaw,
		OutputAudioFormat: realtime.AudioFormatG711ULaw,
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         s.opts.VADThreshold,
			PrefixPaddingMs:   s.opts.VADPrefixPaddingMs,
			SilenceDurationMs: s.opts.VADSilenceDurationMs,
		},
		Tools:      []realtime.Tool{},
		ToolChoice: "auto",
	}
	if s.opts.TranscriptionModel != "" {
		cfg.InputAudioTranscription = &realtime.InputAudioTranscription{Model: s.opts.TranscriptionModel}
	}
	if s.deps.Tools != nil {
		for _, t := range s.deps.Tools.Registry().Enabled(tn.EnabledTools) {
			cfg.Tools = append(cfg.Tools, realtime.Tool{
				Type:        "function",
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			})
		}
	}
	return cfg
}

// enabledTools names the tools advertised to the AI for tn. The result is
// never nil, so a tenant with no tools can run none.
func (s *Session) enabledTools(tn *tenant.Tenant) []string {
	names := []string{}
	if s.deps.Tools == nil {
		return names
	}
	for _, t := range s.deps.Tools.Registry().Enabled(tn.EnabledTools) {
		names = append(names, t.Name())
	}
	return names
}

func (s *Session) scheduleGreeting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greetingTimer != nil || s.state != StateBridging {
		return
	}
	s.greetingTimer = time.AfterFunc(s.opts.GreetingDelay, s.sendGreeting)
}

// sendGreeting asks the AI to speak the tenant greeting. It runs at most once.
func (s *Session) sendGreeting() {
	s.mu.Lock()
	if s.greeted || s.state != StateBridging || s.tenant == nil {
		s.mu.Unlock()
		return
	}
	s.greeted = true
	greeting := s.tenant.Greeting()
	ai := s.ai
	s.mu.Unlock()

	if strings.TrimSpace(greeting) == "" {
		return
	}
	if err := ai.Send(realtime.ResponseCreate("Greet the caller by saying exactly: " + greeting)); err != nil {
		s.log().Error().Err(err).Msg("Failed to send greeting")
		s.Close(ReasonSendFailed)
	}
}

// ensurePacer starts the session's single pacer on first outbound audio.
func (s *Session) ensurePacer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pacer != nil || s.state != StateBridging {
		return
	}

	opts := []audio.PacerOption{
		audio.WithErrorHandler(func(err error) {
			s.log().Warn().Err(err).Msg("Outbound audio send failed")
			s.metrics.RecordError("send_media", "telephony")
			s.Close(ReasonSendFailed)
		}),
		audio.WithFrameObserver(func(silence bool) {
			if silence {
				s.metrics.RecordFrames("silence", 1)
				return
			}
			s.metrics.RecordFrames("out", 1)
		}),
	}
	if s.opts.PacerInterval > 0 {
		opts = append(opts, audio.WithInterval(s.opts.PacerInterval))
	}
	s.pacer = audio.NewPacer(s.queue, s.tel.SendMedia, opts...)
	s.pacer.Start()
}

// Interrupt discards AI audio the caller has talked over: the outbound
// queue and remainder are cleared with no pacer tick in progress, Twilio is
// told to drop what it has buffered, and the active response is cancelled.
// Nothing is awaited.
func (s *Session) Interrupt() {
	s.mu.Lock()
	if s.state != StateBridging {
		s.mu.Unlock()
		return
	}
	pacer, ai := s.pacer, s.ai
	cancelResponse := s.responseActive
	if cancelResponse && s.activeResponseID != "" {
		s.cancelled[s.activeResponseID] = struct{}{}
	}
	logger := s.logger
	s.mu.Unlock()

	var dropped int
	var clearErr error
	flush := func() {
		dropped = s.queue.Clear()
		s.outChunker.Reset()
		clearErr = s.tel.SendClear()
	}

	s.outMu.Lock()
	if pacer != nil {
		pacer.Exclusive(flush)
	} else {
		flush()
	}
	s.outMu.Unlock()

	s.metrics.RecordInterruption()
	logger.Debug().
		Int("dropped_frames", dropped).
		Bool("cancel_response", cancelResponse).
		Msg("Caller interrupted")

	if clearErr != nil {
		logger.Warn().Err(clearErr).Msg("Failed to send clear")
		s.Close(ReasonSendFailed)
		return
	}
	if cancelResponse {
		if err := ai.Send(realtime.ResponseCancel()); err != nil {
			logger.Warn().Err(err).Msg("Failed to cancel response")
			s.Close(ReasonSendFailed)
		}
	}
}

// resolveTool delivers a tool result. When no calls remain pending the
// model is asked to continue, immediately or once the active response ends.
func (s *Session) resolveTool(callID string, result tools.Result) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	if _, ok := s.pending[callID]; !ok || s.state != StateBridging {
		s.mu.Unlock()
		return
	}
	delete(s.pending, callID)
	createNow := false
	if len(s.pending) == 0 {
		if s.responseActive {
			s.continueAfterResponse = true
		} else {
			createNow = true
		}
	}
	ai := s.ai
	s.mu.Unlock()

	if err := ai.Send(realtime.FunctionCallOutput(callID, result.JSON())); err != nil {
		s.log().Error().Err(err).Str("call_id", callID).Msg("Failed to send tool result")
		s.Close(ReasonSendFailed)
		return
	}
	if createNow {
		if err := ai.Send(realtime.ResponseCreate("")); err != nil {
			s.log().Error().Err(err).Msg("Failed to resume response")
			s.Close(ReasonSendFailed)
		}
	}
}

func (s *Session) recordTranscript(role, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	s.mu.Lock()
	msg := &store.TranscriptMessage{
		SessionID: s.sessionID,
		Role:      role,
		Content:   content,
		Source:    store.SourceVoice,
		CreatedAt: time.Now().UTC(),
	}
	if s.tenant != nil {
		msg.TenantID = s.tenant.ID
	}
	logger := s.logger
	s.mu.Unlock()

	logger.Debug().Str("role", role).Str("text", content).Msg("Transcript")
	if s.deps.Transcripts != nil {
		s.persist("transcript", func(ctx context.Context) error {
			return s.deps.Transcripts.AppendTranscript(ctx, msg)
		})
	}
	s.publish(notify.EventTranscript, msg)
}

// Close tears the session down. Only the first call has effect; it is safe
// from any goroutine, including the session's own.
func (s *Session) Close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.teardown(reason)
	})
}

func (s *Session) teardown(reason CloseReason) {
	s.mu.Lock()
	s.state = StateClosing
	s.closeReason = reason
	pacer, ai, timer := s.pacer, s.ai, s.greetingTimer
	abandoned := len(s.pending)
	s.pending = make(map[string]PendingTool)
	s.mu.Unlock()

	s.cancel()
	if timer != nil {
		timer.Stop()
	}
	if pacer != nil {
		pacer.Stop()
	}
	if ai != nil {
		_ = ai.Close()
	}
	_ = s.tel.Close()

	endedAt := time.Now()
	s.mu.Lock()
	s.state = StateClosed
	started := s.callStarted
	rec := &store.CallRecord{
		SessionID: s.sessionID,
		Status:    reason.CallStatus(),
		EndedAt:   &endedAt,
		EndReason: string(reason),
	}
	if started {
		rec.DurationSeconds = int(endedAt.Sub(s.startedAt).Seconds())
	}
	if s.tenant != nil {
		rec.TenantID = s.tenant.ID
	}
	logger := s.logger
	s.mu.Unlock()

	if started {
		s.metrics.RecordCallEnd(rec.Status)
		if s.deps.Calls != nil {
			s.persist("call", func(ctx context.Context) error {
				return s.deps.Calls.FinishCall(ctx, rec)
			})
		}
		s.publish(notify.EventCallEnded, map[string]any{
			"sessionId":       rec.SessionID,
			"status":          rec.Status,
			"reason":          rec.EndReason,
			"durationSeconds": rec.DurationSeconds,
		})
	}

	ev := logger.Info()
	if rec.Status == store.CallFailed {
		ev = logger.Warn()
	}
	ev.Str("reason", string(reason)).
		Int("duration_seconds", rec.DurationSeconds).
		Int("abandoned_tools", abandoned).
		Msg("Call session closed")

	if s.onClose != nil {
		s.onClose(s, reason)
	}
	close(s.done)
}
