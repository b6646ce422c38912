package bridge

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/realtime"
	"github.com/lexiqai/voice-bridge/internal/store"
	"github.com/lexiqai/voice-bridge/internal/telephony"
	"github.com/lexiqai/voice-bridge/internal/tenant"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

// Run reads the telephony leg until the stream ends, then waits for teardown.
func (s *Session) Run() {
	defer func() { <-s.done }()
	defer s.recoverPanic("telephony_reader")

	for {
		msg, err := s.tel.ReadMessage()
		if err != nil {
			if errors.Is(err, telephony.ErrMalformedMessage) {
				s.log().Warn().Err(err).Msg("Ignoring malformed telephony message")
				continue
			}
			if s.State() < StateClosing {
				if !telephony.IsNormalClose(err) {
					s.log().Warn().Err(err).Msg("Telephony read error")
				}
				s.Close(ReasonTelephonyClosed)
			}
			return
		}
		s.handleTelephony(msg)
	}
}

func (s *Session) handleTelephony(msg *telephony.Message) {
	switch msg.Event {
	case telephony.EventConnected:
		s.log().Debug().Str("protocol", msg.Protocol).Msg("Telephony stream connected")
	case telephony.EventStart:
		s.handleStart(msg)
	case telephony.EventMedia:
		s.handleMedia(msg.Media)
	case telephony.EventStop:
		s.log().Info().Msg("Call stopped")
		s.Close(ReasonStopped)
	case telephony.EventMark:
		if msg.Mark != nil {
			s.log().Debug().Str("mark", msg.Mark.Name).Msg("Playback mark reached")
		}
	case telephony.EventDTMF:
		if msg.DTMF != nil {
			s.log().Info().Str("digit", msg.DTMF.Digit).Msg("DTMF received")
		}
	default:
		s.log().Debug().Str("event", msg.Event).Msg("Unknown telephony event")
	}
}

func (s *Session) handleStart(msg *telephony.Message) {
	st := msg.Start
	streamSid := msg.StreamSid
	if streamSid == "" && st != nil {
		streamSid = st.StreamSid
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		logger := s.logger
		s.mu.Unlock()
		logger.Warn().Str("stream_sid", streamSid).Msg("Ignoring repeated start event")
		return
	}
	s.state = StateTenantResolving
	s.sessionID = streamSid
	s.callerPhone = st.Param(telephony.ParamFrom)
	s.externalCallID = st.CallSID()
	s.startedAt = time.Now()
	s.lastAudioAt = s.startedAt
	s.logger = s.logger.With().
		Str("session_id", streamSid).
		Str("call_sid", s.externalCallID).
		Logger()
	logger := s.logger
	s.mu.Unlock()

	s.tel.SetStreamSID(streamSid)
	logger.Info().
		Str("from", s.callerPhone).
		Str("to", st.Param(telephony.ParamTo)).
		Msg("Call started")

	go s.connect(st.Param(telephony.ParamTenantID), st.Param(telephony.ParamTo))
}

// connect resolves the tenant, opens and configures the AI leg, then
// switches the session to bridging.
func (s *Session) connect(tenantID, calledNumber string) {
	defer s.recoverPanic("connect")

	var tn *tenant.Tenant
	if s.deps.Resolver != nil {
		tn = s.deps.Resolver.ResolveCall(s.ctx, tenantID, calledNumber)
	} else {
		tn = tenant.Default()
	}

	s.mu.Lock()
	if s.state != StateTenantResolving {
		s.mu.Unlock()
		return
	}
	s.tenant = tn
	s.logger = s.logger.With().Str("tenant_id", tn.ID).Logger()
	logger := s.logger
	s.mu.Unlock()

	s.startCall()

	if s.opts.CheckCredentials != nil {
		if err := s.opts.CheckCredentials(); err != nil {
			logger.Error().Err(err).Msg("Realtime backend is not configured, ending call")
			s.metrics.RecordError("config", "bridge")
			s.Close(ReasonConfigError)
			return
		}
	}
	if s.deps.Dial == nil {
		logger.Error().Msg("No realtime dialer configured, ending call")
		s.Close(ReasonConfigError)
		return
	}

	ai, err := s.deps.Dial(s.ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to realtime backend")
		s.metrics.RecordError("dial", "realtime")
		s.Close(ReasonDialFailed)
		return
	}

	s.mu.Lock()
	if s.state != StateTenantResolving {
		s.mu.Unlock()
		_ = ai.Close()
		return
	}
	s.ai = ai
	s.mu.Unlock()

	if err := ai.Send(realtime.SessionUpdate(s.sessionConfig(tn))); err != nil {
		logger.Error().Err(err).Msg("Failed to configure realtime session")
		s.Close(ReasonSendFailed)
		return
	}

	go s.readAI(ai)

	if !s.flushInbound() {
		return
	}
	s.scheduleGreeting()
	logger.Info().Str("tenant", tn.DisplayName).Msg("Call bridged")
}

func (s *Session) handleMedia(m *telephony.Media) {
	data, err := m.Decode()
	if err != nil {
		s.log().Warn().Err(err).Msg("Dropping undecodable media")
		return
	}

	s.mu.Lock()
	s.lastAudioAt = time.Now()
	s.mu.Unlock()
	s.metrics.RecordAudioBytes("in", int64(len(data)))

	s.inMu.Lock()
	defer s.inMu.Unlock()

	frames := s.inChunker.Append(data)
	if len(frames) == 0 {
		return
	}

	s.mu.Lock()
	state, ai := s.state, s.ai
	s.mu.Unlock()

	switch state {
	case StateBridging:
		s.forwardInbound(ai, frames)
	case StateConnecting, StateTenantResolving:
		s.bufferInbound(frames)
	}
}

// bufferInbound holds caller audio until the AI leg is ready. Must hold inMu.
func (s *Session) bufferInbound(frames [][]byte) {
	if s.opts.InboundBufferFrames <= 0 {
		s.metrics.RecordFrames("dropped", len(frames))
		return
	}
	if dropped := s.inBuffer.Push(frames...); dropped > 0 {
		s.metrics.RecordFrames("dropped", dropped)
	}
}

// forwardInbound sends caller frames to the AI leg. Must hold inMu.
func (s *Session) forwardInbound(ai AILeg, frames [][]byte) bool {
	for _, f := range frames {
		if err := ai.Send(realtime.InputAudioAppend(f)); err != nil {
			s.log().Warn().Err(err).Msg("Failed to forward caller audio")
			s.Close(ReasonSendFailed)
			return false
		}
	}
	s.metrics.RecordFrames("in", len(frames))
	return true
}

// flushInbound moves the session to bridging and sends buffered audio
// ahead of anything read afterwards.
func (s *Session) flushInbound() bool {
	s.inMu.Lock()
	defer s.inMu.Unlock()

	s.mu.Lock()
	if s.state != StateTenantResolving {
		s.mu.Unlock()
		return false
	}
	s.state = StateBridging
	ai := s.ai
	s.mu.Unlock()

	frames := s.inBuffer.Drain()
	if len(frames) == 0 {
		return true
	}
	s.log().Debug().Int("frames", len(frames)).Msg("Flushing buffered caller audio")
	return s.forwardInbound(ai, frames)
}

func (s *Session) readAI(ai AILeg) {
	defer s.recoverPanic("realtime_reader")

	for {
		ev, err := ai.ReadEvent()
		if err != nil {
			if errors.Is(err, realtime.ErrMalformedEvent) {
				s.log().Warn().Err(err).Msg("Ignoring malformed realtime event")
				continue
			}
			if s.State() < StateClosing {
				s.log().Warn().Err(err).Msg("Realtime connection lost")
				s.Close(ReasonAIClosed)
			}
			return
		}
		s.handleAIEvent(ev)
	}
}

func (s *Session) handleAIEvent(ev *realtime.ServerEvent) {
	switch ev.Type {
	case realtime.EventSessionCreated, realtime.EventSessionUpdated:
		s.log().Debug().Str("event", string(ev.Type)).Msg("Realtime session configured")
	case realtime.EventSpeechStarted:
		s.Interrupt()
	case realtime.EventResponseCreated:
		s.mu.Lock()
		s.responseActive = true
		s.activeResponseID = ev.ResponseIDOf()
		s.mu.Unlock()
	case realtime.EventResponseAudioDelta:
		s.handleAudioDelta(ev)
	case realtime.EventResponseAudioDone:
		s.flushOutboundRemainder(ev.ResponseIDOf())
	case realtime.EventAudioTranscriptDone:
		s.recordTranscript(store.RoleAssistant, ev.Transcript)
	case realtime.EventInputTranscriptionDone:
		s.recordTranscript(store.RoleUser, ev.Transcript)
	case realtime.EventFunctionCallArgsDone:
		s.handleFunctionCall(ev)
	case realtime.EventResponseDone:
		s.handleResponseDone(ev)
	case realtime.EventError:
		logger := s.log()
		if ev.Error != nil {
			logger.Warn().Err(ev.Error).Msg("Realtime backend error")
		} else {
			logger.Warn().Msg("Realtime backend error without details")
		}
		s.metrics.RecordError("backend", "realtime")
	default:
		s.log().Debug().Str("event", string(ev.Type)).Msg("Unhandled realtime event")
	}
}

func (s *Session) isCancelled(responseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if responseID == "" {
		return false
	}
	_, ok := s.cancelled[responseID]
	return ok
}

func (s *Session) handleAudioDelta(ev *realtime.ServerEvent) {
	data, err := ev.DecodeAudio()
	if err != nil {
		s.log().Warn().Err(err).Msg("Dropping undecodable audio delta")
		return
	}
	if s.isCancelled(ev.ResponseIDOf()) || s.State() != StateBridging {
		return
	}

	s.outMu.Lock()
	frames := s.outChunker.Append(data)
	s.queue.Push(frames...)
	s.outMu.Unlock()

	s.metrics.RecordAudioBytes("out", int64(len(data)))
	if len(frames) > 0 {
		s.ensurePacer()
	}
}

// flushOutboundRemainder pads the last partial frame of a response with
// silence so it is played rather than held until the next response.
func (s *Session) flushOutboundRemainder(responseID string) {
	if s.isCancelled(responseID) {
		return
	}
	s.outMu.Lock()
	rem := s.outChunker.Remainder()
	if len(rem) > 0 {
		frame := audio.SilenceFrame()
		copy(frame, rem)
		s.outChunker.Reset()
		s.queue.Push(frame)
	}
	s.outMu.Unlock()

	if len(rem) > 0 {
		s.ensurePacer()
	}
}

func (s *Session) handleFunctionCall(ev *realtime.ServerEvent) {
	if ev.CallID == "" {
		s.log().Warn().Str("tool", ev.Name).Msg("Function call without call_id")
		return
	}
	call := tools.Call{ID: ev.CallID, Name: ev.Name, Arguments: json.RawMessage(ev.Arguments)}

	s.mu.Lock()
	if s.state != StateBridging {
		s.mu.Unlock()
		return
	}
	if _, dup := s.handledCalls[call.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.handledCalls[call.ID] = struct{}{}
	s.pending[call.ID] = PendingTool{Name: call.Name, Arguments: call.Arguments, SubmittedAt: time.Now()}
	sc := tools.SessionContext{
		TenantID:     s.tenant.ID,
		SessionID:    s.sessionID,
		CallerPhone:  s.callerPhone,
		Location:     s.tenant.Location(),
		EnabledTools: s.enabledTools(s.tenant),
	}
	logger := s.logger
	s.mu.Unlock()

	logger.Info().Str("tool", call.Name).Str("call_id", call.ID).Msg("Tool call requested")
	go s.runTool(call, sc)
}

func (s *Session) runTool(call tools.Call, sc tools.SessionContext) {
	defer s.recoverPanic("tool")

	var result tools.Result
	if s.deps.Tools == nil {
		result = tools.Failure("Tools are not available.")
	} else {
		result = s.deps.Tools.Execute(s.ctx, call, sc)
	}
	s.resolveTool(call.ID, result)
}

func (s *Session) handleResponseDone(ev *realtime.ServerEvent) {
	id := ev.ResponseIDOf()
	status := ""
	if ev.Response != nil {
		status = ev.Response.Status
	}
	if status == realtime.ResponseFailed {
		logger := s.log()
		details := ""
		if ev.Response != nil {
			details = string(ev.Response.StatusDetails)
		}
		logger.Warn().Str("response_id", id).RawJSON("details", detailsOrNull(details)).Msg("Response failed")
		s.metrics.RecordError("response_failed", "realtime")
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	if id == "" || id == s.activeResponseID {
		s.responseActive = false
		s.activeResponseID = ""
	}
	resume := s.continueAfterResponse && !s.responseActive && len(s.pending) == 0 && s.state == StateBridging
	if resume {
		s.continueAfterResponse = false
	}
	ai := s.ai
	s.mu.Unlock()

	if resume {
		if err := ai.Send(realtime.ResponseCreate("")); err != nil {
			s.log().Error().Err(err).Msg("Failed to resume response")
			s.Close(ReasonSendFailed)
		}
	}
}

func detailsOrNull(s string) []byte {
	if s == "" {
		return []byte("null")
	}
	return []byte(s)
}
