package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentfeed/internal/connection"
	"agentfeed/internal/store"
	"agentfeed/internal/timeline"
	"agentfeed/internal/transport"
	"agentfeed/internal/types"
)

type fakeStream struct {
	handler transport.Handler
	url     string
	state   atomic.Int32
}

func (s *fakeStream) ReadyState() transport.ReadyState {
	return transport.ReadyState(s.state.Load())
}

func (s *fakeStream) Close() {
	s.state.Store(int32(transport.StateClosed))
}

func (s *fakeStream) open() {
	s.state.Store(int32(transport.StateOpen))
	s.handler.OnOpen()
}

func (s *fakeStream) send(frame string) {
	s.handler.OnMessage(frame)
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (d *fakeDialer) Dial(ctx context.Context, url string, headers map[string]string, handler transport.Handler) (transport.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeStream{handler: handler, url: url}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) latest(t *testing.T) *fakeStream {
	t.Helper()
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.streams) > 0
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

// fakeServer stands in for the agent server's REST surface.
type fakeServer struct {
	mu       sync.Mutex
	history  map[string]string
	prompts  []map[string]any
	aborted  []string
	sessions string
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body := f.sessions
		f.mu.Unlock()
		if body == "" {
			body = "[]"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("GET /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body, ok := f.history[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			body = "[]"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.prompts = append(f.prompts, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.aborted = append(f.aborted, r.PathValue("id"))
		f.mu.Unlock()
		_, _ = w.Write([]byte("true"))
	})
	return mux
}

func (f *fakeServer) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type harness struct {
	coord  *Coordinator
	dialer *fakeDialer
	server *fakeServer
	url    string
	stream *fakeStream
}

func newHarness(t *testing.T, fake *fakeServer) *harness {
	t.Helper()
	if fake == nil {
		fake = &fakeServer{}
	}
	if fake.history == nil {
		fake.history = map[string]string{}
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	dialer := &fakeDialer{}
	seq := 0
	coord := New(Options{
		Dialer:            dialer,
		HeartbeatInterval: time.Hour,
		BackoffBase:       time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
		Preferences:       store.NewPreferences(store.NewMemoryKV()),
		NewID: func() string {
			seq++
			return "echo-" + strconv.Itoa(seq)
		},
	})
	t.Cleanup(coord.Close)
	return &harness{coord: coord, dialer: dialer, server: fake, url: srv.URL}
}

// connect selects sessionID, opens the stream and waits for the first
// history load to settle.
func (h *harness) connect(t *testing.T, sessionID string) {
	t.Helper()
	if err := h.coord.Connect(context.Background(), h.url); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.coord.SelectSession(context.Background(), sessionID); err != nil {
		t.Fatalf("SelectSession: %v", err)
	}
	h.stream = h.dialer.latest(t)
	h.stream.open()
	waitView(t, h.coord, func(v timeline.View) bool {
		return v.ConnectionState == types.ConnectionConnected && v.HistoryLoaded
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func waitView(t *testing.T, coord *Coordinator, cond func(v timeline.View) bool) timeline.View {
	t.Helper()
	var view timeline.View
	waitFor(t, func() bool {
		view = coord.View()
		return cond(view)
	})
	return view
}

func TestConnectRejectsInvalidURL(t *testing.T) {
	h := newHarness(t, nil)
	err := h.coord.Connect(context.Background(), "ftp://example.com")
	if !errors.Is(err, connection.ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}
	if h.coord.View().Err == "" {
		t.Fatalf("expected error banner")
	}
	if got := h.coord.LastURL(context.Background()); got != "" {
		t.Fatalf("invalid url must not be remembered, got %q", got)
	}
}

func TestConnectRemembersURLAndDialsEventStream(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "s1")
	if h.stream.url != h.url+"/event" {
		t.Fatalf("unexpected stream url %q", h.stream.url)
	}
	if got := h.coord.LastURL(context.Background()); got != h.url {
		t.Fatalf("expected remembered url %q, got %q", h.url, got)
	}
}

func TestSendMessageMisuseErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.coord.SendMessage(ctx, "hi"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if h.coord.View().Err != ErrNoActiveSession.Error() {
		t.Fatalf("expected banner %q, got %q", ErrNoActiveSession, h.coord.View().Err)
	}

	if err := h.coord.SelectSession(ctx, "s1"); err != nil {
		t.Fatalf("SelectSession: %v", err)
	}
	if err := h.coord.SendMessage(ctx, "   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if err := h.coord.SendMessage(ctx, "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if h.coord.View().Err != ErrNotConnected.Error() {
		t.Fatalf("expected not connected banner, got %q", h.coord.View().Err)
	}
	if len(h.coord.View().Timeline) != 0 {
		t.Fatalf("rejected sends must not add echoes")
	}

	h.coord.DismissError()
	if h.coord.View().Err != "" {
		t.Fatalf("expected banner dismissed")
	}
	if err := h.coord.SelectSession(ctx, " "); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession for blank id, got %v", err)
	}
}

func TestAssemblesStreamedParts(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "s1")

	for _, delta := range []string{"Hel", "lo ", "world"} {
		h.stream.send(`{"type":"message.part.updated","properties":{"part":{"id":"p1","messageID":"m1","sessionID":"s1","type":"text"},"delta":"` + delta + `"}}`)
	}
	view := waitView(t, h.coord, func(v timeline.View) bool {
		return len(v.Pending) == 1 && v.Pending[0].Text == "Hello world"
	})
	if len(view.Timeline) != 0 {
		t.Fatalf("partials must not reach the timeline: %#v", view.Timeline)
	}

	h.stream.send(`{"type":"message.updated","properties":{"info":{"id":"m1","sessionID":"s1","role":"assistant"}}}`)
	view = waitView(t, h.coord, func(v timeline.View) bool { return len(v.Timeline) == 1 })
	msg := view.Timeline[0]
	if msg.TextValue() != "Hello world" || !msg.AssembledFromParts {
		t.Fatalf("unexpected finalized message %#v", msg)
	}
	if msg.Role != types.RoleAssistant || !msg.IsLastMessage {
		t.Fatalf("unexpected role/last flags %#v", msg)
	}
	if len(view.Pending) != 0 {
		t.Fatalf("finalized buffer still pending: %#v", view.Pending)
	}
}

func TestLiveSupersedesHistory(t *testing.T) {
	fake := &fakeServer{history: map[string]string{
		"s1": `[{"info":{"id":"m0","sessionID":"s1","role":"user","time":{"created":1700000001000}},"parts":[{"type":"text","text":"question"}]},
		        {"info":{"id":"m1","sessionID":"s1","role":"assistant","time":{"created":1700000002000}},"parts":[{"type":"text","text":"old"}]}]`,
	}}
	h := newHarness(t, fake)
	h.connect(t, "s1")
	view := h.coord.View()
	if len(view.Timeline) != 2 || view.Timeline[1].TextValue() != "old" {
		t.Fatalf("expected history in timeline, got %#v", view.Timeline)
	}

	h.stream.send(`{"type":"message.updated","properties":{"info":{"id":"m1","sessionID":"s1","role":"assistant","summary":{"body":"new"}}}}`)
	view = waitView(t, h.coord, func(v timeline.View) bool {
		return len(v.Timeline) == 2 && v.Timeline[1].TextValue() == "new"
	})
	msg := view.Timeline[1]
	if !msg.Merged || msg.Source != types.SourceLive {
		t.Fatalf("expected merged live entry, got %#v", msg)
	}
	if msg.Timestamp != 1_700_000_002_000 {
		t.Fatalf("expected historical timestamp kept, got %d", msg.Timestamp)
	}
	if view.Timeline[0].MessageID != "m0" {
		t.Fatalf("history order lost: %#v", view.Timeline)
	}
}

func TestAgentEchoLeavesEveryBucketEmpty(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "s1")

	h.stream.send(`{"type":"message.updated","properties":{"info":{"id":"u1","sessionID":"s1","role":"user","agent":"build"}}}`)
	h.stream.send(`{"type":"message.part.updated","properties":{"part":{"id":"p1","messageID":"u1","sessionID":"s1","type":"text","text":"echoed prompt"}}}`)
	// A later frame proves the echo frames were consumed.
	h.stream.send(`{"type":"session.idle","properties":{"sessionID":"s1"}}`)
	view := waitView(t, h.coord, func(v timeline.View) bool { return len(v.Internal) == 1 })

	if len(view.Timeline) != 0 || len(view.Pending) != 0 || len(view.Unclassified) != 0 {
		t.Fatalf("echo leaked into the view: %#v", view)
	}
	for kind, msgs := range view.ByDisplayKind {
		if len(msgs) != 0 {
			t.Fatalf("echo leaked into display kind %q", kind)
		}
	}
}

func TestForeignSessionFramesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "s1")

	h.stream.send(`{"type":"message.updated","properties":{"info":{"id":"x1","sessionID":"other","role":"assistant","summary":{"body":"not yours"}}}}`)
	h.stream.send(`{"type":"session.status","properties":{"sessionID":"other","status":{"type":"busy"}}}`)
	h.stream.send(`{"type":"session.idle","properties":{"sessionID":"s1"}}`)
	view := waitView(t, h.coord, func(v timeline.View) bool { return len(v.Internal) == 1 })
	if len(view.Timeline) != 0 || view.IsSessionBusy {
		t.Fatalf("foreign frames changed the view: %#v", view)
	}
}

func TestSessionStatusAndTodos(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "s1")

	h.stream.send(`{"type":"session.status","properties":{"sessionID":"s1","status":{"type":"busy"}}}`)
	waitView(t, h.coord, func(v timeline.View) bool { return v.IsSessionBusy })

	h.stream.send(`{"type":"todo.updated","properties":{"sessionID":"s1","todos":[{"id":"t1","content":"write tests","status":"in_progress"}]}}`)
	view := waitView(t, h.coord, func(v timeline.View) bool { return len(v.Todos) == 1 })
	if view.Todos[0].Content != "write tests" {
		t.Fatalf("unexpected todos %#v", view.Todos)
	}

	h.stream.send(`{"type":"session.idle","properties":{"sessionID":"s1"}}`)
	view = waitView(t, h.coord, func(v timeline.View) bool { return !v.IsSessionBusy })
	if len(view.Timeline) != 0 {
		t.Fatalf("internal events must stay out of the timeline")
	}
}

func TestUnscopedMessagesAreUnclassified(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "s1")

	h.stream.send(`{"type":"file.edited","properties":{"file":"main.go"}}`)
	h.stream.send(`{"type":"message.updated","properties":{"info":{"id":"m9","role":"assistant","summary":{"body":"orphan"}}}}`)
	view := waitView(t, h.coord, func(v timeline.View) bool {
		total := 0
		for _, msgs := range v.Unclassified {
			total += len(msgs)
		}
		return total == 2
	})
	if len(view.Timeline) != 0 {
		t.Fatalf("unscoped messages reached the timeline: %#v", view.Timeline)
	}
	if len(view.Unclassified["file.edited"]) != 1 {
		t.Fatalf("expected grouping by kind, got %#v", view.Unclassified)
	}
}

func TestSendMessageShowsAndReconcilesLocalEcho(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "s1")
	ctx := context.Background()
	if err := h.coord.SelectModel(ctx, "anthropic/claude"); err != nil {
		t.Fatalf("SelectModel: %v", err)
	}

	if err := h.coord.SendMessage(ctx, "ping"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	view := h.coord.View()
	if len(view.Timeline) != 1 || !view.Timeline[0].LocalEcho || view.Timeline[0].TextValue() != "ping" {
		t.Fatalf("expected local echo, got %#v", view.Timeline)
	}
	if h.server.promptCount() != 1 {
		t.Fatalf("expected one prompt posted")
	}
	h.server.mu.Lock()
	prompt := h.server.prompts[0]
	h.server.mu.Unlock()
	model, _ := prompt["model"].(map[string]any)
	if model["providerID"] != "anthropic" || model["modelID"] != "claude" {
		t.Fatalf("unexpected model ref %#v", prompt["model"])
	}

	h.stream.send(`{"type":"message.updated","properties":{"info":{"id":"u1","sessionID":"s1","role":"user"}}}`)
	h.stream.send(`{"type":"message.part.updated","properties":{"part":{"id":"p1","messageID":"u1","sessionID":"s1","type":"text","text":"ping"}}}`)
	view = waitView(t, h.coord, func(v timeline.View) bool {
		return len(v.Timeline) == 1 && v.Timeline[0].MessageID == "u1"
	})
	if view.Timeline[0].TextValue() != "ping" || view.Timeline[0].LocalEcho {
		t.Fatalf("expected server copy, got %#v", view.Timeline[0])
	}
}

func TestSelectSessionDropsPreviousLiveState(t *testing.T) {
	fake := &fakeServer{history: map[string]string{
		"s2": `{"messages":[{"info":{"id":"h1","sessionID":"s2","role":"assistant"},"parts":[{"type":"text","text":"from s2"}]}]}`,
	}}
	h := newHarness(t, fake)
	h.connect(t, "s1")

	h.stream.send(`{"type":"message.part.updated","properties":{"part":{"id":"p1","messageID":"m1","sessionID":"s1","type":"text","text":"draft"}}}`)
	h.stream.send(`{"type":"session.status","properties":{"sessionID":"s1","status":"busy"}}`)
	waitView(t, h.coord, func(v timeline.View) bool { return len(v.Pending) == 1 && v.IsSessionBusy })

	if err := h.coord.SelectSession(context.Background(), "s2"); err != nil {
		t.Fatalf("SelectSession: %v", err)
	}
	view := h.coord.View()
	if view.SessionID != "s2" || len(view.Pending) != 0 || view.IsSessionBusy || view.HistoryLoaded {
		t.Fatalf("previous session state survived: %#v", view)
	}
	view = waitView(t, h.coord, func(v timeline.View) bool { return v.HistoryLoaded })
	if len(view.Timeline) != 1 || view.Timeline[0].TextValue() != "from s2" {
		t.Fatalf("unexpected s2 timeline %#v", view.Timeline)
	}
}

func TestDisconnectKeepsHistory(t *testing.T) {
	fake := &fakeServer{history: map[string]string{
		"s1": `[{"info":{"id":"h1","sessionID":"s1","role":"assistant"},"parts":[{"type":"text","text":"kept"}]}]`,
	}}
	h := newHarness(t, fake)
	h.connect(t, "s1")
	h.stream.send(`{"type":"message.part.updated","properties":{"part":{"id":"p1","messageID":"m1","sessionID":"s1","type":"text","text":"draft"}}}`)
	waitView(t, h.coord, func(v timeline.View) bool { return len(v.Pending) == 1 })

	h.coord.Disconnect()
	view := waitView(t, h.coord, func(v timeline.View) bool { return v.ConnectionState == types.ConnectionIdle })
	if len(view.Pending) != 0 {
		t.Fatalf("live buffers survived disconnect")
	}
	if len(view.Timeline) != 1 || view.Timeline[0].TextValue() != "kept" {
		t.Fatalf("history dropped on disconnect: %#v", view.Timeline)
	}
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "s1")
	h.stream.send("not json")
	h.stream.send(`{"type":"message.updated","properties":{"info":{"id":"m1","sessionID":"s1","role":"assistant","summary":{"body":"fine"}}}}`)
	view := waitView(t, h.coord, func(v timeline.View) bool { return len(v.Timeline) == 1 })
	if view.Err != "" {
		t.Fatalf("malformed frames must not raise the banner, got %q", view.Err)
	}
}

func TestSubscribeNotifiesAndUnsubscribes(t *testing.T) {
	h := newHarness(t, nil)
	updates, cancel := h.coord.Subscribe()
	if err := h.coord.SelectSession(context.Background(), "s1"); err != nil {
		t.Fatalf("SelectSession: %v", err)
	}
	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatalf("expected notification")
	}
	cancel()
	cancel()
	if _, ok := <-updates; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}

func TestSelectModelIsRemembered(t *testing.T) {
	prefs := store.NewPreferences(store.NewMemoryKV())
	first := New(Options{Dialer: &fakeDialer{}, Preferences: prefs})
	defer first.Close()
	if err := first.SelectModel(context.Background(), " openai/gpt-5 "); err != nil {
		t.Fatalf("SelectModel: %v", err)
	}
	if first.View().Model != "openai/gpt-5" {
		t.Fatalf("unexpected model %q", first.View().Model)
	}
	second := New(Options{Dialer: &fakeDialer{}, Preferences: prefs})
	defer second.Close()
	if second.View().Model != "openai/gpt-5" {
		t.Fatalf("expected model restored, got %q", second.View().Model)
	}
}

func TestListSessionsAndAbort(t *testing.T) {
	fake := &fakeServer{sessions: `[{"id":"a","title":"older","time":{"created":1700000000,"updated":1700000001}},{"id":"b","title":"newer","time":{"created":1700000000000,"updated":1700000500000}}]`}
	h := newHarness(t, fake)
	ctx := context.Background()
	if _, err := h.coord.ListSessions(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}
	h.connect(t, "s1")

	sessions, err := h.coord.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "b" || sessions[1].UpdatedAt != 1_700_000_001_000 {
		t.Fatalf("unexpected sessions %#v", sessions)
	}

	if err := h.coord.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	h.server.mu.Lock()
	aborted := append([]string(nil), h.server.aborted...)
	h.server.mu.Unlock()
	if len(aborted) != 1 || aborted[0] != "s1" {
		t.Fatalf("unexpected aborts %v", aborted)
	}
}
