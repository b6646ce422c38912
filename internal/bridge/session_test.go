package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	oaischema "github.com/sashabaranov/go-openai/jsonschema"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/notify"
	"github.com/lexiqai/voice-bridge/internal/realtime"
	"github.com/lexiqai/voice-bridge/internal/store"
	"github.com/lexiqai/voice-bridge/internal/telephony"
	"github.com/lexiqai/voice-bridge/internal/tenant"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

var errLegClosed = errors.New("leg closed")

type telItem struct {
	msg *telephony.Message
	err error
}

type fakeTelephony struct {
	in     chan telItem
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	sid        string
	frames     [][]byte
	clears     int
	afterClear [][]byte
	clearErr   error
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{in: make(chan telItem, 64), closed: make(chan struct{})}
}

func (f *fakeTelephony) push(msg *telephony.Message) { f.in <- telItem{msg: msg} }

func (f *fakeTelephony) pushErr(err error) { f.in <- telItem{err: err} }

func (f *fakeTelephony) ReadMessage() (*telephony.Message, error) {
	select {
	case it := <-f.in:
		return it.msg, it.err
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTelephony) SetStreamSID(sid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sid = sid
}

func (f *fakeTelephony) SendMedia(frame []byte) error {
	select {
	case <-f.closed:
		return errLegClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), frame...)
	f.frames = append(f.frames, cp)
	if f.clears > 0 {
		f.afterClear = append(f.afterClear, cp)
	}
	return nil
}

func (f *fakeTelephony) SendClear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	f.clears++
	return nil
}

func (f *fakeTelephony) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTelephony) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTelephony) stats() (frames, clears int, afterClear [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames), f.clears, append([][]byte(nil), f.afterClear...)
}

type fakeAI struct {
	events chan *realtime.ServerEvent
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []realtime.ClientEvent
}

func newFakeAI() *fakeAI {
	return &fakeAI{events: make(chan *realtime.ServerEvent, 64), closed: make(chan struct{})}
}

func (f *fakeAI) emit(ev *realtime.ServerEvent) { f.events <- ev }

func (f *fakeAI) Send(ev realtime.ClientEvent) error {
	select {
	case <-f.closed:
		return errLegClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeAI) ReadEvent() (*realtime.ServerEvent, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeAI) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeAI) Sent() []realtime.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.ClientEvent(nil), f.sent...)
}

func (f *fakeAI) count(typ realtime.EventType) int {
	n := 0
	for _, ev := range f.Sent() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// continuations counts response.create events without instructions, which
// are sent after tool results.
func (f *fakeAI) continuations() int {
	n := 0
	for _, ev := range f.Sent() {
		if ev.Type == realtime.EventResponseCreate && ev.Response == nil {
			n++
		}
	}
	return n
}

type countingCalls struct {
	*store.MemoryStore
	finished atomic.Int32
}

func (c *countingCalls) FinishCall(ctx context.Context, rec *store.CallRecord) error {
	c.finished.Add(1)
	return c.MemoryStore.FinishCall(ctx, rec)
}

// gateTool blocks each call until its id is released.
type gateTool struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newGateTool() *gateTool {
	return &gateTool{gates: make(map[string]chan struct{})}
}

func (g *gateTool) gate(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[id]
	if !ok {
		ch = make(chan struct{})
		g.gates[id] = ch
	}
	return ch
}

func (g *gateTool) release(id string) { close(g.gate(id)) }

func (g *gateTool) Name() string        { return "lookup" }
func (g *gateTool) Description() string { return "Looks something up." }
func (g *gateTool) Schema() oaischema.Definition {
	return oaischema.Definition{
		Type:       oaischema.Object,
		Properties: map[string]oaischema.Definition{"id": {Type: oaischema.String}},
		Required:   []string{"id"},
	}
}

func (g *gateTool) Execute(ctx context.Context, raw json.RawMessage, sc tools.SessionContext) (tools.Result, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return tools.Result{}, err
	}
	select {
	case <-g.gate(args.ID):
	case <-ctx.Done():
		return tools.Result{}, ctx.Err()
	}
	return tools.Result{Success: true, Message: "done " + args.ID}, nil
}

var acme = &tenant.Tenant{
	ID:                 "acme",
	DisplayName:        "Acme Dental",
	PhoneNumber:        "+15550001111",
	GreetingTemplate:   "Thanks for calling {{business}}.",
	SystemInstructions: "You answer the phone for a dental office.",
	Timezone:           "America/New_York",
}

type harness struct {
	s      *Session
	tel    *fakeTelephony
	ai     *fakeAI
	calls  *countingCalls
	mem    *store.MemoryStore
	writer *store.AsyncWriter
	hub    *notify.Hub
	dials  atomic.Int32
	closes atomic.Int32
}

func testOptions() Options {
	return Options{
		Voice:                "alloy",
		TranscriptionModel:   "whisper-1",
		VADThreshold:         0.5,
		VADPrefixPaddingMs:   300,
		VADSilenceDurationMs: 500,
		InboundBufferFrames:  25,
		PacerInterval:        2 * time.Millisecond,
	}
}

func newHarness(t *testing.T, registry *tools.Registry, configure ...func(*harness, *Deps, *Options)) *harness {
	t.Helper()

	h := &harness{
		tel:    newFakeTelephony(),
		ai:     newFakeAI(),
		mem:    store.NewMemoryStore(),
		writer: store.NewAsyncWriter(64, zerolog.Nop()),
		hub:    notify.NewHub(zerolog.Nop()),
	}
	h.calls = &countingCalls{MemoryStore: h.mem}

	if registry == nil {
		var err error
		registry, err = tools.NewDefaultRegistry(h.mem, tools.NewPublishNotifier(h.hub, zerolog.Nop()), nil)
		if err != nil {
			t.Fatalf("NewDefaultRegistry() error = %v", err)
		}
	}

	deps := &Deps{
		Dial: func(ctx context.Context) (AILeg, error) {
			h.dials.Add(1)
			return h.ai, nil
		},
		Resolver:    tenant.NewResolver(tenant.NewMemoryStore(acme), zerolog.Nop()),
		Tools:       tools.NewOrchestrator(registry, zerolog.Nop(), tools.WithTimeout(2*time.Second)),
		Calls:       h.calls,
		Transcripts: h.mem,
		Writer:      h.writer,
		Publisher:   h.hub,
		Logger:      zerolog.Nop(),
	}
	opts := testOptions()
	for _, fn := range configure {
		fn(h, deps, &opts)
	}

	h.s = newSession("conn-1", h.tel, deps, opts, func(*Session, CloseReason) {
		h.closes.Add(1)
	})
	go h.s.Run()

	t.Cleanup(func() {
		h.s.Close(ReasonShutdown)
		<-h.s.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.writer.Close(ctx)
	})
	return h
}

// flush waits for the session to end and all persistence to land.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	select {
	case <-h.s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.writer.Close(ctx); err != nil {
		t.Fatalf("writer.Close() error = %v", err)
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.tel.push(startMessage("MZ100", map[string]string{
		telephony.ParamTenantID: "acme",
		telephony.ParamFrom:     "+15557654321",
		telephony.ParamCallSid:  "CA100",
	}))
	eventually(t, func() bool { return h.s.State() == StateBridging }, "session never bridged")
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startMessage(sid string, params map[string]string) *telephony.Message {
	return &telephony.Message{
		Event:     telephony.EventStart,
		StreamSid: sid,
		Start: &telephony.Start{
			StreamSid:        sid,
			CallSid:          "CA-fallback",
			CustomParameters: params,
		},
	}
}

func mediaMessage(data []byte) *telephony.Message {
	return &telephony.Message{
		Event: telephony.EventMedia,
		Media: &telephony.Media{Payload: base64.StdEncoding.EncodeToString(data)},
	}
}

func pattern(n int, offset int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i + offset) % 251)
	}
	return b
}

func audioDelta(responseID string, data []byte) *realtime.ServerEvent {
	return &realtime.ServerEvent{
		Type:       realtime.EventResponseAudioDelta,
		ResponseID: responseID,
		Delta:      base64.StdEncoding.EncodeToString(data),
	}
}

func responseEvent(typ realtime.EventType, id string) *realtime.ServerEvent {
	return &realtime.ServerEvent{Type: typ, Response: &realtime.ResponseInfo{ID: id, Status: realtime.ResponseCompleted}}
}

func functionCall(callID, id string) *realtime.ServerEvent {
	return &realtime.ServerEvent{
		Type:      realtime.EventFunctionCallArgsDone,
		Name:      "lookup",
		CallID:    callID,
		Arguments: fmt.Sprintf(`{"id":%q}`, id),
	}
}

func TestSession_ConfiguresAndGreetsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	eventually(t, func() bool { return len(h.ai.Sent()) >= 2 }, "greeting was not sent")

	sent := h.ai.Sent()
	if sent[0].Type != realtime.EventSessionUpdate {
		t.Fatalf("first event = %s, want session.update", sent[0].Type)
	}
	cfg := sent[0].Session
	if cfg.InputAudioFormat != realtime.AudioFormatG711ULaw || cfg.OutputAudioFormat != realtime.AudioFormatG711ULaw {
		t.Errorf("audio formats = %s/%s, want g711_ulaw", cfg.InputAudioFormat, cfg.OutputAudioFormat)
	}
	if cfg.TurnDetection == nil || cfg.TurnDetection.Type != "server_vad" {
		t.Errorf("turn detection = %+v, want server_vad", cfg.TurnDetection)
	}
	if cfg.Voice != "alloy" {
		t.Errorf("voice = %q, want alloy", cfg.Voice)
	}
	if !strings.Contains(cfg.Instructions, "dental office") {
		t.Errorf("instructions = %q, want tenant instructions", cfg.Instructions)
	}
	if len(cfg.Tools) != 3 {
		t.Errorf("tools = %d, want 3", len(cfg.Tools))
	}

	greet := sent[1]
	if greet.Type != realtime.EventResponseCreate || greet.Response == nil {
		t.Fatalf("second event = %+v, want greeting response.create", greet)
	}
	if !strings.Contains(greet.Response.Instructions, "Thanks for calling Acme Dental.") {
		t.Errorf("greeting instructions = %q", greet.Response.Instructions)
	}

	h.s.sendGreeting()
	h.s.scheduleGreeting()
	time.Sleep(20 * time.Millisecond)
	if n := h.ai.count(realtime.EventResponseCreate); n != 1 {
		t.Errorf("response.create sent %d times, want 1", n)
	}

	if got := h.s.Tenant(); got == nil || got.ID != "acme" {
		t.Errorf("Tenant() = %+v, want acme", got)
	}
	if got := h.s.SessionID(); got != "MZ100" {
		t.Errorf("SessionID() = %q, want MZ100", got)
	}
	h.tel.mu.Lock()
	sid := h.tel.sid
	h.tel.mu.Unlock()
	if sid != "MZ100" {
		t.Errorf("telephony stream sid = %q, want MZ100", sid)
	}
}

func TestSession_EmptyToolSetStillSendsToolsField(t *testing.T) {
	empty, err := tools.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h := newHarness(t, empty)
	h.start(t)

	sent := h.ai.Sent()
	if sent[0].Session.Tools == nil {
		t.Fatal("Tools is nil, want empty slice")
	}
	data, err := json.Marshal(sent[0])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !bytes.Contains(data, []byte(`"tools":[]`)) {
		t.Errorf("session.update = %s, want empty tools array", data)
	}
}

func TestSession_ChunksInboundAudio(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	payload := pattern(1500, 0)
	for i := 0; i < 3; i++ {
		h.tel.push(mediaMessage(payload[i*500 : (i+1)*500]))
	}

	eventually(t, func() bool { return h.ai.count(realtime.EventInputAudioAppend) == 4 }, "expected 4 appends")

	var forwarded []byte
	for _, ev := range h.ai.Sent() {
		if ev.Type != realtime.EventInputAudioAppend {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(ev.Audio)
		if err != nil {
			t.Fatalf("decode append: %v", err)
		}
		if len(data) != audio.FrameSize {
			t.Errorf("append carried %d bytes, want %d", len(data), audio.FrameSize)
		}
		forwarded = append(forwarded, data...)
	}
	if !bytes.Equal(forwarded, payload[:1280]) {
		t.Error("forwarded audio does not match caller audio")
	}

	h.s.inMu.Lock()
	pending := h.s.inChunker.Pending()
	h.s.inMu.Unlock()
	if pending != 220 {
		t.Errorf("remainder = %d bytes, want 220", pending)
	}
}

func TestSession_BuffersAudioUntilBridged(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, nil, func(h *harness, d *Deps, _ *Options) {
		d.Dial = func(ctx context.Context) (AILeg, error) {
			h.dials.Add(1)
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return h.ai, nil
		}
	})

	payload := pattern(960, 7)
	h.tel.push(startMessage("MZ200", map[string]string{telephony.ParamTenantID: "acme"}))
	h.tel.push(mediaMessage(payload[:700]))

	eventually(t, func() bool {
		h.s.inMu.Lock()
		defer h.s.inMu.Unlock()
		return h.s.inBuffer.Len() == 2
	}, "caller audio was not buffered")
	if n := h.ai.count(realtime.EventInputAudioAppend); n != 0 {
		t.Fatalf("appends before bridging = %d, want 0", n)
	}

	close(gate)
	eventually(t, func() bool { return h.ai.count(realtime.EventInputAudioAppend) == 2 }, "buffered audio was not flushed")

	h.tel.push(mediaMessage(payload[700:]))
	eventually(t, func() bool { return h.ai.count(realtime.EventInputAudioAppend) == 3 }, "live audio was not forwarded")

	sent := h.ai.Sent()
	if sent[0].Type != realtime.EventSessionUpdate {
		t.Errorf("first event = %s, want session.update", sent[0].Type)
	}
	var forwarded []byte
	for _, ev := range sent {
		if ev.Type == realtime.EventInputAudioAppend {
			data, _ := base64.StdEncoding.DecodeString(ev.Audio)
			forwarded = append(forwarded, data...)
		}
	}
	if !bytes.Equal(forwarded, payload) {
		t.Error("audio was reordered across the flush")
	}
}

func TestSession_DropsAudioWithoutBuffer(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, nil, func(h *harness, d *Deps, o *Options) {
		o.InboundBufferFrames = 0
		d.Dial = func(ctx context.Context) (AILeg, error) {
			<-gate
			return h.ai, nil
		}
	})

	h.tel.push(startMessage("MZ210", nil))
	h.tel.push(mediaMessage(pattern(640, 0)))
	eventually(t, func() bool { return h.s.State() == StateTenantResolving }, "session did not start")
	time.Sleep(20 * time.Millisecond)

	close(gate)
	eventually(t, func() bool { return h.s.State() == StateBridging }, "session never bridged")
	time.Sleep(20 * time.Millisecond)
	if n := h.ai.count(realtime.EventInputAudioAppend); n != 0 {
		t.Errorf("appends = %d, want 0", n)
	}
}

func TestSession_InterruptClearsPlayback(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.ai.emit(responseEvent(realtime.EventResponseCreated, "r1"))
	h.ai.emit(audioDelta("r1", pattern(audio.FrameSize*200, 1)))
	eventually(t, func() bool {
		frames, _, _ := h.tel.stats()
		return frames > 0
	}, "no audio was played")

	h.ai.emit(&realtime.ServerEvent{Type: realtime.EventSpeechStarted})
	eventually(t, func() bool {
		_, clears, _ := h.tel.stats()
		return clears == 1
	}, "clear was not sent")
	eventually(t, func() bool { return h.ai.count(realtime.EventResponseCancel) == 1 }, "response.cancel was not sent")

	// Late audio from the cancelled response is dropped.
	h.ai.emit(audioDelta("r1", pattern(audio.FrameSize*5, 3)))
	h.ai.emit(responseEvent(realtime.EventResponseCreated, "r2"))
	eventually(t, func() bool {
		h.s.mu.Lock()
		defer h.s.mu.Unlock()
		return h.s.activeResponseID == "r2"
	}, "r2 was not tracked")

	if n := h.s.queue.Len(); n != 0 {
		t.Errorf("queued frames after interrupt = %d, want 0", n)
	}
	_, _, after := h.tel.stats()
	for i, f := range after {
		if !audio.IsSilence(f) {
			t.Fatalf("frame %d after clear is not silence", i)
		}
	}

	h.ai.emit(audioDelta("r2", bytes.Repeat([]byte{0x10}, audio.FrameSize)))
	eventually(t, func() bool {
		_, _, after := h.tel.stats()
		for _, f := range after {
			if !audio.IsSilence(f) {
				return true
			}
		}
		return false
	}, "audio of the next response was not played")
}

func TestSession_InterruptWithoutResponseOnlyClears(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.ai.emit(&realtime.ServerEvent{Type: realtime.EventSpeechStarted})
	eventually(t, func() bool {
		_, clears, _ := h.tel.stats()
		return clears == 1
	}, "clear was not sent")
	if n := h.ai.count(realtime.EventResponseCancel); n != 0 {
		t.Errorf("response.cancel sent %d times, want 0", n)
	}
}

func TestSession_ClearFailureClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.tel.mu.Lock()
	h.tel.clearErr = errLegClosed
	h.tel.mu.Unlock()

	h.s.Interrupt()
	h.flush(t)
	if got := h.s.CloseReason(); got != ReasonSendFailed {
		t.Errorf("CloseReason() = %s, want %s", got, ReasonSendFailed)
	}
}

func TestSession_PadsResponseTail(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.ai.emit(responseEvent(realtime.EventResponseCreated, "r1"))
	h.ai.emit(audioDelta("r1", bytes.Repeat([]byte{0x20}, 100)))
	h.ai.emit(&realtime.ServerEvent{Type: realtime.EventResponseAudioDone, ResponseID: "r1"})

	eventually(t, func() bool {
		h.tel.mu.Lock()
		defer h.tel.mu.Unlock()
		for _, f := range h.tel.frames {
			if f[0] == 0x20 {
				return true
			}
		}
		return false
	}, "tail was not played")

	h.tel.mu.Lock()
	defer h.tel.mu.Unlock()
	for _, f := range h.tel.frames {
		if f[0] != 0x20 {
			continue
		}
		if len(f) != audio.FrameSize {
			t.Fatalf("tail frame = %d bytes, want %d", len(f), audio.FrameSize)
		}
		if f[99] != 0x20 || f[100] != audio.SilenceByte || f[audio.FrameSize-1] != audio.SilenceByte {
			t.Error("tail frame is not padded with silence")
		}
	}
}

func TestSession_ToolResultsCorrelatedByCallID(t *testing.T) {
	gt := newGateTool()
	reg, err := tools.NewRegistry(gt)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h := newHarness(t, reg)
	h.start(t)

	h.ai.emit(responseEvent(realtime.EventResponseCreated, "r1"))
	h.ai.emit(functionCall("call_a", "a"))
	h.ai.emit(functionCall("call_b", "b"))
	h.ai.emit(responseEvent(realtime.EventResponseDone, "r1"))
	eventually(t, func() bool { return h.s.PendingTools() == 2 }, "calls were not tracked")
	eventually(t, func() bool {
		h.s.mu.Lock()
		defer h.s.mu.Unlock()
		return !h.s.responseActive
	}, "response.done was not handled")

	gt.release("b")
	eventually(t, func() bool { return h.ai.count(realtime.EventConversationItemCreate) == 1 }, "first result was not sent")
	if n := h.ai.continuations(); n != 0 {
		t.Fatalf("response.create sent with a call still pending")
	}

	gt.release("a")
	eventually(t, func() bool { return h.ai.continuations() == 1 }, "conversation did not continue")

	var outputs []string
	sawCreate := false
	for _, ev := range h.ai.Sent() {
		switch {
		case ev.Type == realtime.EventConversationItemCreate:
			if sawCreate {
				t.Error("function output sent after response.create")
			}
			outputs = append(outputs, ev.Item.CallID)
			var res tools.Result
			if err := json.Unmarshal([]byte(ev.Item.Output), &res); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			want := "done " + strings.TrimPrefix(ev.Item.CallID, "call_")
			if res.Message != want {
				t.Errorf("output for %s = %q, want %q", ev.Item.CallID, res.Message, want)
			}
		case ev.Type == realtime.EventResponseCreate && ev.Response == nil:
			sawCreate = true
		}
	}
	if strings.Join(outputs, ",") != "call_b,call_a" {
		t.Errorf("outputs = %v, want completion order [call_b call_a]", outputs)
	}
}

func TestSession_ContinuationWaitsForActiveResponse(t *testing.T) {
	gt := newGateTool()
	reg, err := tools.NewRegistry(gt)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h := newHarness(t, reg)
	h.start(t)

	h.ai.emit(responseEvent(realtime.EventResponseCreated, "r1"))
	h.ai.emit(functionCall("call_a", "a"))
	eventually(t, func() bool { return h.s.PendingTools() == 1 }, "call was not tracked")

	gt.release("a")
	eventually(t, func() bool { return h.ai.count(realtime.EventConversationItemCreate) == 1 }, "result was not sent")
	time.Sleep(20 * time.Millisecond)
	if n := h.ai.continuations(); n != 0 {
		t.Fatal("response.create sent while a response was active")
	}

	h.ai.emit(responseEvent(realtime.EventResponseDone, "r1"))
	eventually(t, func() bool { return h.ai.continuations() == 1 }, "conversation did not continue after response.done")
}

func TestSession_DuplicateAndUnknownCalls(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	call := &realtime.ServerEvent{
		Type:      realtime.EventFunctionCallArgsDone,
		Name:      "does_not_exist",
		CallID:    "call_x",
		Arguments: `{}`,
	}
	h.ai.emit(call)
	h.ai.emit(call)
	h.ai.emit(&realtime.ServerEvent{Type: realtime.EventFunctionCallArgsDone, Name: "lookup"})

	eventually(t, func() bool { return h.ai.continuations() == 1 }, "unknown tool did not resolve")
	time.Sleep(20 * time.Millisecond)
	if n := h.ai.count(realtime.EventConversationItemCreate); n != 1 {
		t.Errorf("outputs = %d, want 1", n)
	}
	for _, ev := range h.ai.Sent() {
		if ev.Type == realtime.EventConversationItemCreate && !strings.Contains(ev.Item.Output, `"success":false`) {
			t.Errorf("output = %s, want failure", ev.Item.Output)
		}
	}
}

func TestSession_BookingToolEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	when := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Hour).Format(time.RFC3339)
	h.ai.emit(&realtime.ServerEvent{
		Type:      realtime.EventFunctionCallArgsDone,
		Name:      tools.CreateBookingName,
		CallID:    "call_book",
		Arguments: fmt.Sprintf(`{"datetime":%q,"phone":"+15557654321","name":"Pat"}`, when),
	})
	eventually(t, func() bool { return h.ai.continuations() == 1 }, "booking did not resolve")

	bookings := h.mem.Bookings()
	if len(bookings) != 1 {
		t.Fatalf("bookings = %d, want 1", len(bookings))
	}
	if bookings[0].TenantID != "acme" || bookings[0].SessionID != "MZ100" {
		t.Errorf("booking = %+v, want acme/MZ100", bookings[0])
	}
}

func TestSession_DisabledToolIsNotExecuted(t *testing.T) {
	limited := acme.Clone()
	limited.EnabledTools = []string{tools.CheckAvailabilityName}
	h := newHarness(t, nil, func(_ *harness, d *Deps, _ *Options) {
		d.Resolver = tenant.NewResolver(tenant.NewMemoryStore(limited), zerolog.Nop())
	})
	h.start(t)
	eventually(t, func() bool { return h.ai.count(realtime.EventSessionUpdate) == 1 }, "session was not configured")

	var advertised []string
	for _, ev := range h.ai.Sent() {
		if ev.Type == realtime.EventSessionUpdate {
			for _, tl := range ev.Session.Tools {
				advertised = append(advertised, tl.Name)
			}
		}
	}
	if strings.Join(advertised, ",") != tools.CheckAvailabilityName {
		t.Errorf("advertised tools = %v, want [%s]", advertised, tools.CheckAvailabilityName)
	}

	when := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Hour).Format(time.RFC3339)
	h.ai.emit(&realtime.ServerEvent{
		Type:      realtime.EventFunctionCallArgsDone,
		Name:      tools.CreateBookingName,
		CallID:    "call_book",
		Arguments: fmt.Sprintf(`{"datetime":%q,"phone":"+15557654321","name":"Pat"}`, when),
	})
	eventually(t, func() bool { return h.ai.continuations() == 1 }, "disabled tool call did not resolve")

	if n := len(h.mem.Bookings()); n != 0 {
		t.Errorf("bookings = %d, want 0", n)
	}
	for _, ev := range h.ai.Sent() {
		if ev.Type == realtime.EventConversationItemCreate && !strings.Contains(ev.Item.Output, `"success":false`) {
			t.Errorf("output = %s, want failure", ev.Item.Output)
		}
	}
}

func TestSession_TranscriptsPersistedAndPublished(t *testing.T) {
	h := newHarness(t, nil)
	events, cancel := h.hub.Subscribe("acme")
	defer cancel()
	h.start(t)

	h.ai.emit(&realtime.ServerEvent{Type: realtime.EventInputTranscriptionDone, Transcript: "I need a cleaning"})
	h.ai.emit(&realtime.ServerEvent{Type: realtime.EventAudioTranscriptDone, Transcript: "Sure, what day?"})
	h.ai.emit(&realtime.ServerEvent{Type: realtime.EventAudioTranscriptDone, Transcript: "   "})
	eventually(t, func() bool { return len(h.mem.Transcripts("MZ100")) == 2 }, "transcripts were not persisted")

	got := h.mem.Transcripts("MZ100")
	if got[0].Role != store.RoleUser || got[1].Role != store.RoleAssistant {
		t.Errorf("roles = %s,%s, want user,assistant", got[0].Role, got[1].Role)
	}
	if got[0].TenantID != "acme" || got[0].Source != store.SourceVoice {
		t.Errorf("transcript = %+v", got[0])
	}

	seen := map[string]int{}
	timeout := time.After(time.Second)
	for seen[notify.EventTranscript] < 2 {
		select {
		case ev := <-events:
			seen[ev.Event]++
		case <-timeout:
			t.Fatalf("published events = %v, want 2 transcripts", seen)
		}
	}
	if seen[notify.EventCallStarted] != 1 {
		t.Errorf("call.started published %d times, want 1", seen[notify.EventCallStarted])
	}
}

func TestSession_StopCompletesCall(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.tel.push(&telephony.Message{Event: telephony.EventStop})
	h.flush(t)

	if got := h.s.CloseReason(); got != ReasonStopped {
		t.Errorf("CloseReason() = %s, want %s", got, ReasonStopped)
	}
	if got := h.s.State(); got != StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
	rec, ok := h.mem.Call("MZ100")
	if !ok {
		t.Fatal("call record missing")
	}
	if rec.Status != store.CallCompleted || rec.EndedAt == nil || rec.EndReason != string(ReasonStopped) {
		t.Errorf("call record = %+v", rec)
	}
	if rec.TenantID != "acme" || rec.ExternalCallID != "CA100" || rec.CallerPhone != "+15557654321" {
		t.Errorf("call record identity = %+v", rec)
	}
	if !h.tel.isClosed() {
		t.Error("telephony leg left open")
	}
	select {
	case <-h.ai.closed:
	default:
		t.Error("AI leg left open")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	var wg sync.WaitGroup
	reasons := []CloseReason{ReasonStopped, ReasonAIClosed, ReasonTelephonyClosed, ReasonShutdown}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(r CloseReason) {
			defer wg.Done()
			h.s.Close(r)
		}(reasons[i%len(reasons)])
	}
	wg.Wait()
	h.flush(t)

	if n := h.closes.Load(); n != 1 {
		t.Errorf("onClose called %d times, want 1", n)
	}
	if n := h.calls.finished.Load(); n != 1 {
		t.Errorf("FinishCall called %d times, want 1", n)
	}
	if h.s.CloseReason() == "" {
		t.Error("CloseReason() is empty after Close")
	}
}

func TestSession_MissingCredentialsFailsCall(t *testing.T) {
	h := newHarness(t, nil, func(_ *harness, _ *Deps, o *Options) {
		o.CheckCredentials = func() error { return config.ErrMissingRealtimeKey }
	})
	h.tel.push(startMessage("MZ300", map[string]string{telephony.ParamTenantID: "acme"}))
	h.flush(t)

	if got := h.s.CloseReason(); got != ReasonConfigError {
		t.Errorf("CloseReason() = %s, want %s", got, ReasonConfigError)
	}
	if n := h.dials.Load(); n != 0 {
		t.Errorf("dialed %d times, want 0", n)
	}
	rec, ok := h.mem.Call("MZ300")
	if !ok || rec.Status != store.CallFailed {
		t.Errorf("call record = %+v (found %v), want failed", rec, ok)
	}
}

func TestSession_EndsOnLegFailure(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness, d *Deps)
		act    func(h *harness)
		reason CloseReason
		status string
	}{
		{
			name: "dial failure",
			setup: func(h *harness, d *Deps) {
				d.Dial = func(ctx context.Context) (AILeg, error) {
					return nil, errors.New("connection refused")
				}
			},
			act:    func(h *harness) {},
			reason: ReasonDialFailed,
			status: store.CallFailed,
		},
		{
			name:   "ai disconnect",
			act:    func(h *harness) { close(h.ai.events) },
			reason: ReasonAIClosed,
			status: store.CallFailed,
		},
		{
			name:   "telephony disconnect",
			act:    func(h *harness) { h.tel.pushErr(io.ErrUnexpectedEOF) },
			reason: ReasonTelephonyClosed,
			status: store.CallCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, func(h *harness, d *Deps, _ *Options) {
				if tt.setup != nil {
					tt.setup(h, d)
				}
			})
			h.tel.push(startMessage("MZ400", map[string]string{telephony.ParamTenantID: "acme"}))
			if tt.reason != ReasonDialFailed {
				eventually(t, func() bool { return h.s.State() == StateBridging }, "session never bridged")
			}
			tt.act(h)
			h.flush(t)

			if got := h.s.CloseReason(); got != tt.reason {
				t.Errorf("CloseReason() = %s, want %s", got, tt.reason)
			}
			rec, ok := h.mem.Call("MZ400")
			if !ok || rec.Status != tt.status {
				t.Errorf("call record = %+v (found %v), want %s", rec, ok, tt.status)
			}
		})
	}
}

func TestSession_SkipsMalformedInput(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.tel.pushErr(fmt.Errorf("%w: bad json", telephony.ErrMalformedMessage))
	h.tel.push(&telephony.Message{Event: telephony.EventMedia, Media: &telephony.Media{Payload: "%%%"}})
	h.tel.push(&telephony.Message{Event: telephony.EventMark, Mark: &telephony.Mark{Name: "m1"}})
	h.tel.push(&telephony.Message{Event: "unknown"})
	h.tel.push(startMessage("MZ999", nil))
	h.tel.push(mediaMessage(pattern(audio.FrameSize, 0)))

	eventually(t, func() bool { return h.ai.count(realtime.EventInputAudioAppend) == 1 }, "session stopped reading")
	if got := h.s.State(); got != StateBridging {
		t.Errorf("State() = %s, want bridging", got)
	}
	if got := h.s.SessionID(); got != "MZ100" {
		t.Errorf("SessionID() = %q, repeated start must be ignored", got)
	}
}

func TestSession_UnknownTenantUsesDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.tel.push(startMessage("MZ500", map[string]string{telephony.ParamTo: "+19999999999"}))
	eventually(t, func() bool { return h.s.State() == StateBridging }, "session never bridged")

	if got := h.s.Tenant(); got.ID != tenant.DefaultID {
		t.Errorf("tenant = %s, want default", got.ID)
	}
}

func TestCloseReason_CallStatus(t *testing.T) {
	tests := []struct {
		reason CloseReason
		want   string
	}{
		{ReasonStopped, store.CallCompleted},
		{ReasonTelephonyClosed, store.CallCompleted},
		{ReasonIdle, store.CallCompleted},
		{ReasonShutdown, store.CallCompleted},
		{ReasonAIClosed, store.CallFailed},
		{ReasonConfigError, store.CallFailed},
		{ReasonDialFailed, store.CallFailed},
		{ReasonSendFailed, store.CallFailed},
		{ReasonInternalError, store.CallFailed},
	}
	for _, tt := range tests {
		if got := tt.reason.CallStatus(); got != tt.want {
			t.Errorf("%s.CallStatus() = %s, want %s", tt.reason, got, tt.want)
		}
	}
}
