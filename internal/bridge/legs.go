// Package bridge connects a telephony media stream to a realtime speech AI
// session and runs the call between them.
package bridge

import (
	"context"

	"github.com/lexiqai/voice-bridge/internal/realtime"
	"github.com/lexiqai/voice-bridge/internal/telephony"
)

// TelephonyLeg is the caller side of a session. *telephony.Conn implements it.
type TelephonyLeg interface {
	ReadMessage() (*telephony.Message, error)
	SetStreamSID(sid string)
	SendMedia(frame []byte) error
	SendClear() error
	Close() error
}

// AILeg is the speech AI side of a session. *realtime.Conn implements it.
type AILeg interface {
	Send(ev realtime.ClientEvent) error
	ReadEvent() (*realtime.ServerEvent, error)
	Close() error
}

// DialFunc opens the AI leg for a session.
type DialFunc func(ctx context.Context) (AILeg, error)

// RealtimeDialer adapts a realtime.Dialer.
func RealtimeDialer(d *realtime.Dialer) DialFunc {
	return func(ctx context.Context) (AILeg, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
