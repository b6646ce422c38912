package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-bridge/internal/resilience"
)

var (
	// ErrMalformedEvent wraps backend frames that are not valid event JSON.
	ErrMalformedEvent = errors.New("malformed realtime event")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("realtime connection closed")
)

// Dialer opens realtime sessions.
type Dialer struct {
	URL     string
	Model   string
	APIKey  string
	Timeout time.Duration
	Retry   *resilience.RetryConfig
	Breaker *resilience.CircuitBreaker
}

// Dial connects to the backend, retrying transient network failures. Each
// attempt goes through the circuit breaker when one is configured.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.Timeout,
	}

	var ws *websocket.Conn
	attempt := func() error {
		conn, resp, err := dialer.DialContext(ctx, endpoint, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return fmt.Errorf("%w (status %d)", err, resp.StatusCode)
			}
			return err
		}
		ws = conn
		return nil
	}

	guarded := attempt
	if d.Breaker != nil {
		guarded = func() error { return d.Breaker.Call(attempt) }
	}

	if err := resilience.RetryContext(ctx, guarded, d.Retry, resilience.IsRetryableNetworkError); err != nil {
		return nil, fmt.Errorf("dial realtime backend: %w", err)
	}
	return NewConn(ws), nil
}

func (d *Dialer) endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL %q: %w", d.URL, err)
	}
	if d.Model != "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Conn is an open realtime session. ReadEvent must be called from one
// goroutine; Send is safe for concurrent use.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an established websocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, closed: make(chan struct{})}
}

// Send writes one client event.
func (c *Conn) Send(ev ClientEvent) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	return nil
}

// ReadEvent blocks for the next server event. Undecodable frames return an
// error wrapping ErrMalformedEvent and leave the connection usable.
func (c *Conn) ReadEvent() (*ServerEvent, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return &ev, nil
}

// Close ends the session. Only the first call has effect.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
