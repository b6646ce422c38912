package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("telephony connection closed")

const defaultWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Twilio does not send an Origin header; requests are authenticated upstream.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Conn is one Twilio Media Streams websocket. Reads must come from a single
// goroutine; writes are serialized internally.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	mu        sync.RWMutex
	streamSid string
	closed    bool
	closeOnce sync.Once
}

// Upgrade accepts the websocket handshake for a media stream.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection to WebSocket: %w", err)
	}
	return NewConn(ws), nil
}

// NewConn wraps an established websocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, writeTimeout: defaultWriteTimeout}
}

// ReadMessage blocks for the next event. Frames that fail to parse return an
// error wrapping ErrMalformedMessage; the connection stays usable.
func (c *Conn) ReadMessage() (*Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}
	return &msg, nil
}

// SetStreamSID records the stream outbound frames are addressed to.
func (c *Conn) SetStreamSID(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamSid = sid
}

// StreamSID returns the current stream identifier.
func (c *Conn) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSid
}

// SendMedia sends one audio frame.
func (c *Conn) SendMedia(frame []byte) error {
	return c.writeJSON(NewMediaMessage(c.StreamSID(), frame))
}

// SendClear discards audio already delivered to Twilio but not yet played.
func (c *Conn) SendClear() error {
	return c.writeJSON(NewClearMessage(c.StreamSID()))
}

// SendMark sends a named playback marker.
func (c *Conn) SendMark(name string) error {
	return c.writeJSON(NewMarkMessage(c.StreamSID(), name))
}

func (c *Conn) writeJSON(v any) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

// Close sends a normal close frame and releases the socket. Only the first call has effect.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// IsNormalClose reports whether err is the peer ending the stream cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}
