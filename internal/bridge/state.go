package bridge

import "github.com/lexiqai/voice-bridge/internal/store"

// State is the lifecycle stage of a session.
type State int

const (
	StateConnecting State = iota
	StateTenantResolving
	StateBridging
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateTenantResolving:
		return "tenant_resolving"
	case StateBridging:
		return "bridging"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonStopped         CloseReason = "stopped"
	ReasonTelephonyClosed CloseReason = "telephony_closed"
	ReasonAIClosed        CloseReason = "ai_closed"
	ReasonConfigError     CloseReason = "config_error"
	ReasonDialFailed      CloseReason = "ai_dial_failed"
	ReasonSendFailed      CloseReason = "send_failed"
	ReasonIdle            CloseReason = "idle_timeout"
	ReasonShutdown        CloseReason = "shutdown"
	ReasonInternalError   CloseReason = "internal_error"
)

// CallStatus maps the reason to the stored call status.
func (r CloseReason) CallStatus() string {
	switch r {
	case ReasonStopped, ReasonTelephonyClosed, ReasonIdle, ReasonShutdown:
		return store.CallCompleted
	default:
		return store.CallFailed
	}
}
