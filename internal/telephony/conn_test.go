package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newPair returns a server-side Conn and the client websocket dialed to it.
func newPair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-accepted:
		t.Cleanup(func() { conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	return nil, nil
}

func TestConn_ReadStartAndMedia(t *testing.T) {
	conn, client := newPair(t)

	client.WriteMessage(websocket.TextMessage, []byte(`{
		"event": "start",
		"start": {
			"streamSid": "MZ123",
			"callSid": "CA999",
			"customParameters": {"tenantId": "acme", "From": "+15550001111", "CallSid": "CA123"}
		}
	}`))

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if msg.Event != EventStart || msg.Start == nil {
		t.Fatalf("Expected start event, got %+v", msg)
	}
	if msg.Start.StreamSid != "MZ123" {
		t.Errorf("Expected streamSid MZ123, got %s", msg.Start.StreamSid)
	}
	if msg.Start.Param(ParamTenantID) != "acme" || msg.Start.Param(ParamFrom) != "+15550001111" {
		t.Errorf("Unexpected custom parameters %v", msg.Start.CustomParameters)
	}
	if msg.Start.CallSID() != "CA123" {
		t.Errorf("Expected custom CallSid to win, got %s", msg.Start.CallSID())
	}

	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	client.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","media":{"payload":"`+payload+`"}}`))

	msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	audio, err := msg.Media.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(audio) != 3 || audio[2] != 3 {
		t.Errorf("Unexpected audio %v", audio)
	}
}

func TestConn_MalformedMessageKeepsConnection(t *testing.T) {
	conn, client := newPair(t)

	client.WriteMessage(websocket.TextMessage, []byte(`not json`))
	client.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`))

	if _, err := conn.ReadMessage(); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("Expected ErrMalformedMessage, got %v", err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Expected connection to stay usable, got %v", err)
	}
	if msg.Event != EventStop {
		t.Errorf("Expected stop, got %s", msg.Event)
	}
}

func TestConn_SendMediaAndClear(t *testing.T) {
	conn, client := newPair(t)
	conn.SetStreamSID("MZ123")

	if err := conn.SendMedia([]byte{0xFF, 0xFF}); err != nil {
		t.Fatalf("SendMedia failed: %v", err)
	}
	if err := conn.SendClear(); err != nil {
		t.Fatalf("SendClear failed: %v", err)
	}

	var media struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := client.ReadJSON(&media); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if media.Event != "media" || media.StreamSid != "MZ123" {
		t.Errorf("Unexpected media frame %+v", media)
	}
	if media.Media.Payload != base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFF}) {
		t.Errorf("Unexpected payload %s", media.Media.Payload)
	}

	var clear map[string]any
	if err := client.ReadJSON(&clear); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if clear["event"] != "clear" || clear["streamSid"] != "MZ123" {
		t.Errorf("Unexpected clear frame %v", clear)
	}
	if _, ok := clear["media"]; ok {
		t.Error("Expected clear frame without media")
	}
}

func TestConn_WriteAfterClose(t *testing.T) {
	conn, _ := newPair(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
	if err := conn.SendMedia([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestMedia_Decode(t *testing.T) {
	tests := []struct {
		name    string
		media   *Media
		want    int
		wantErr bool
	}{
		{name: "payload", media: &Media{Payload: base64.StdEncoding.EncodeToString(make([]byte, 160))}, want: 160},
		{name: "legacy chunk", media: &Media{Chunk: base64.StdEncoding.EncodeToString(make([]byte, 10))}, want: 10},
		{name: "missing", media: &Media{}, wantErr: true},
		{name: "nil", media: nil, wantErr: true},
		{name: "bad base64", media: &Media{Payload: "!!!"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.media.Decode()
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedMessage) {
					t.Errorf("Expected ErrMalformedMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Expected %d bytes, got %d", tt.want, len(got))
			}
		})
	}
}

func TestNewMarkMessage(t *testing.T) {
	data, err := json.Marshal(NewMarkMessage("MZ1", "greeting"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"event":"mark","streamSid":"MZ1","mark":{"name":"greeting"}}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}
}
