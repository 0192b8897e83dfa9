// Package session owns one connection to an agent server and exposes the
// merged timeline of the selected session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentfeed/internal/assemble"
	"agentfeed/internal/classify"
	"agentfeed/internal/connection"
	"agentfeed/internal/logging"
	"agentfeed/internal/metrics"
	"agentfeed/internal/preprocess"
	"agentfeed/internal/store"
	"agentfeed/internal/timeline"
	"agentfeed/internal/transport"
	"agentfeed/internal/types"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrEmptyText       = errors.New("message text is empty")
	ErrNotConnected    = errors.New("not connected")
)

const (
	defaultHistoryPageLimit = 200
	defaultHistoryMaxPages  = 20
	defaultRingSize         = 256
	historyTimeout          = 30 * time.Second
)

type Options struct {
	Dialer  transport.Dialer
	HTTP    *http.Client
	Headers transport.HeaderProvider
	Timeout time.Duration

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxRetries        int

	MaxBuffers   int
	MaxBufferAge time.Duration

	HistoryPageLimit int
	HistoryMaxPages  int
	RingSize         int
	StreamDebug      bool

	Preferences *store.Preferences
	Logger      logging.Logger
	Metrics     *metrics.Pipeline
	Now         func() time.Time
	NewID       func() string
}

// Coordinator is the consumer-facing surface of the pipeline. All methods
// are safe for concurrent use.
type Coordinator struct {
	opts     Options
	logger   logging.Logger
	parseLog logging.Logger
	metrics  *metrics.Pipeline
	prefs    *store.Preferences
	now      func() time.Time
	newID    func() string

	machine    *connection.Machine
	live       *preprocess.Live
	historical *preprocess.Historical
	assembler  *assemble.Assembler

	mu            sync.Mutex
	api           *API
	sessionID     string
	model         string
	state         types.ConnectionState
	busy          bool
	todos         []types.Todo
	liveMsgs      map[string]types.CanonicalMessage
	echoes        map[string]types.CanonicalMessage
	history       []types.CanonicalMessage
	historyLoaded bool
	historyGen    uint64
	historyCancel context.CancelFunc
	internal      *timeline.Ring
	unclassified  *timeline.Ring
	merged        timeline.Result
	errText       string
	updatedAt     time.Time

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With(logging.F("component", "session"))
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.HistoryPageLimit <= 0 {
		opts.HistoryPageLimit = defaultHistoryPageLimit
	}
	if opts.HistoryMaxPages <= 0 {
		opts.HistoryMaxPages = defaultHistoryMaxPages
	}
	if opts.RingSize <= 0 {
		opts.RingSize = defaultRingSize
	}
	if opts.Preferences == nil {
		opts.Preferences = store.NewPreferences(nil)
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewEventSource(transport.EventSourceOptions{
			Logger: logger,
			Debug:  opts.StreamDebug,
		})
	}

	c := &Coordinator{
		opts:      opts,
		logger:    logger,
		parseLog:  logging.Limited(logger, time.Second, 5),
		metrics:   opts.Metrics,
		prefs:     opts.Preferences,
		now:       opts.Now,
		newID:     opts.NewID,
		state:     types.ConnectionIdle,
		liveMsgs:  map[string]types.CanonicalMessage{},
		echoes:    map[string]types.CanonicalMessage{},
		internal:  timeline.NewRing(opts.RingSize),
		subs:      map[int]chan struct{}{},
		updatedAt: opts.Now(),
	}
	c.unclassified = timeline.NewRing(opts.RingSize)
	c.live = preprocess.NewLive(preprocess.LiveOptions{Logger: logger, Metrics: opts.Metrics, Now: opts.Now})
	c.historical = preprocess.NewHistorical(c.parseLog)
	c.assembler = assemble.New(assemble.Options{
		MaxBuffers: opts.MaxBuffers,
		MaxAge:     opts.MaxBufferAge,
		Now:        opts.Now,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	c.machine = connection.New(opts.Dialer, connection.Config{
		HeartbeatInterval: opts.HeartbeatInterval,
		BackoffBase:       opts.BackoffBase,
		BackoffMax:        opts.BackoffMax,
		MaxRetries:        opts.MaxRetries,
		Headers:           opts.Headers,
		Logger:            logger,
		Metrics:           opts.Metrics,
		OnStateChange:     c.handleState,
		OnMessage:         c.handleFrame,
	})
	c.model = c.prefs.LastModel(context.Background())
	return c
}

// Connect validates baseURL, opens the event stream and remembers the url.
// It returns once the connection attempt has started.
func (c *Coordinator) Connect(ctx context.Context, baseURL string) error {
	parsed, err := connection.ValidateURL(baseURL)
	if err != nil {
		return c.fail(err)
	}
	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL: parsed.String(),
		Headers: c.opts.Headers,
		Timeout: c.opts.Timeout,
		HTTP:    c.opts.HTTP,
	})
	if err != nil {
		return c.fail(fmt.Errorf("%w: %v", connection.ErrInvalidURL, err))
	}
	api := NewAPI(client)

	c.mu.Lock()
	c.api = api
	c.errText = ""
	c.mu.Unlock()

	if err := c.machine.Connect(api.BaseURL() + "/event"); err != nil {
		return c.fail(err)
	}
	if err := c.prefs.SetLastURL(ctx, api.BaseURL()); err != nil {
		c.logger.Warn("remember url failed", logging.Err(err))
	}
	c.logger.Info("connecting", logging.F("url", api.BaseURL()))
	c.notify()
	return nil
}

// Disconnect closes the stream and drops every live buffer. History already
// loaded for the session stays visible.
func (c *Coordinator) Disconnect() {
	c.machine.Disconnect()
	c.mu.Lock()
	c.cancelHistoryLocked()
	c.clearLiveLocked()
	c.remergeLocked()
	c.mu.Unlock()
	c.notify()
}

// SelectSession switches the active session. Live state of the previous
// session is discarded before this returns; history loads in the
// background.
func (c *Coordinator) SelectSession(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return c.fail(ErrNoActiveSession)
	}
	c.mu.Lock()
	c.cancelHistoryLocked()
	c.clearLiveLocked()
	c.sessionID = id
	c.history = nil
	c.historyLoaded = false
	c.busy = false
	c.todos = nil
	c.internal.Reset()
	c.unclassified.Reset()
	c.errText = ""
	c.remergeLocked()
	c.startHistoryLocked()
	c.mu.Unlock()
	c.logger.Info("session selected", logging.F("session_id", id))
	c.notify()
	return nil
}

// SendMessage posts text to the active session. The message shows up
// immediately as a local echo and is reconciled once the server copy
// arrives.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	sessionID, api, model, state := c.sessionID, c.api, c.model, c.state
	c.mu.Unlock()

	switch {
	case sessionID == "":
		return c.fail(ErrNoActiveSession)
	case text == "":
		return c.fail(ErrEmptyText)
	case api == nil || state != types.ConnectionConnected:
		return c.fail(ErrNotConnected)
	}

	now := c.now().UnixMilli()
	echo := classify.Apply(types.CanonicalMessage{
		Source:      types.SourceLive,
		MessageID:   "local-" + c.newID(),
		SessionID:   sessionID,
		Role:        types.RoleUser,
		Timestamp:   now,
		CreatedAt:   now,
		PayloadKind: types.KindLocalEcho,
		Text:        types.StringPtr(text),
		LocalEcho:   true,
	})
	c.mu.Lock()
	c.echoes[echo.MessageID] = echo
	c.remergeLocked()
	c.mu.Unlock()
	c.notify()

	if err := api.Prompt(ctx, sessionID, text, model); err != nil {
		c.mu.Lock()
		delete(c.echoes, echo.MessageID)
		c.remergeLocked()
		c.mu.Unlock()
		return c.fail(fmt.Errorf("send message: %w", err))
	}
	return nil
}

func (c *Coordinator) SelectModel(ctx context.Context, model string) error {
	model = strings.TrimSpace(model)
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	if err := c.prefs.SetLastModel(ctx, model); err != nil {
		c.logger.Warn("remember model failed", logging.Err(err))
	}
	c.notify()
	return nil
}

// Foreground reports that the host came back to the foreground.
func (c *Coordinator) Foreground() {
	c.machine.Foreground()
	if n := c.assembler.Sweep(); n > 0 {
		c.notify()
	}
}

func (c *Coordinator) ListSessions(ctx context.Context) ([]types.RemoteSession, error) {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return nil, ErrNotConnected
	}
	return api.ListSessions(ctx)
}

// Abort stops the running turn of the active session.
func (c *Coordinator) Abort(ctx context.Context) error {
	c.mu.Lock()
	sessionID, api := c.sessionID, c.api
	c.mu.Unlock()
	if sessionID == "" {
		return c.fail(ErrNoActiveSession)
	}
	if api == nil {
		return c.fail(ErrNotConnected)
	}
	if err := api.Abort(ctx, sessionID); err != nil {
		return c.fail(fmt.Errorf("abort: %w", err))
	}
	return nil
}

func (c *Coordinator) DismissError() {
	c.mu.Lock()
	changed := c.errText != ""
	c.errText = ""
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// LastURL returns the server url remembered from an earlier Connect.
func (c *Coordinator) LastURL(ctx context.Context) string {
	return c.prefs.LastURL(ctx)
}

// Subscribe returns a channel that receives a value whenever the view may
// have changed. Notifications coalesce; read View after each one.
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.subMu.Unlock()
		})
	}
}

// Close disconnects and releases every subscriber.
func (c *Coordinator) Close() {
	c.machine.Close()
	c.mu.Lock()
	c.cancelHistoryLocked()
	c.clearLiveLocked()
	c.mu.Unlock()
	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
}

// View returns a snapshot of the active session.
func (c *Coordinator) View() timeline.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := timeline.View{
		SessionID:       c.sessionID,
		Model:           c.model,
		ConnectionState: c.state,
		IsSessionBusy:   c.busy,
		Timeline:        append([]types.CanonicalMessage(nil), c.merged.Timeline...),
		ByRole:          c.merged.ByRole,
		ByDisplayKind:   c.merged.ByDisplayKind,
		Unclassified:    timeline.GroupByKind(c.unclassified.Snapshot()),
		Internal:        c.internal.Snapshot(),
		Todos:           append([]types.Todo(nil), c.todos...),
		HistoryLoaded:   c.historyLoaded,
		Err:             c.errText,
		UpdatedAt:       c.updatedAt,
	}
	if c.sessionID != "" {
		view.Pending = c.assembler.Pending(c.sessionID)
	}
	return view
}

func (c *Coordinator) handleState(next, prev types.ConnectionState) {
	c.mu.Lock()
	c.state = next
	switch next {
	case types.ConnectionConnected:
		// Events may have been missed while the stream was down.
		if c.sessionID != "" {
			c.cancelHistoryLocked()
			c.startHistoryLocked()
		}
	case types.ConnectionFailed:
		if err := c.machine.Err(); err != nil {
			c.errText = err.Error()
		}
	}
	c.updatedAt = c.now()
	c.mu.Unlock()
	c.logger.Info("connection state", logging.F("from", prev), logging.F("to", next))
	c.notify()
}

func (c *Coordinator) handleFrame(raw string) {
	if c.opts.StreamDebug {
		c.logger.Debug("stream frame", logging.F("data", raw))
	}
	msgs, err := c.live.Process(raw)
	if err != nil {
		c.parseLog.Warn("discarded stream frame", logging.Err(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	changed := false
	for _, msg := range msgs {
		if c.applyLiveLocked(msg) {
			changed = true
		}
	}
	if changed {
		c.remergeLocked()
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// applyLiveLocked routes one live message and reports whether the view
// changed.
func (c *Coordinator) applyLiveLocked(msg types.CanonicalMessage) bool {
	msg = classify.Apply(msg)
	c.metrics.Message(string(msg.Source), string(msg.Category))

	if msg.SessionID != "" && msg.SessionID != c.sessionID {
		c.logger.Debug("ignored foreign session message",
			logging.F("session_id", msg.SessionID),
			logging.F("kind", msg.PayloadKind),
		)
		c.metrics.Frame("foreign")
		return false
	}

	switch msg.Category {
	case types.CategoryInternal:
		c.internal.Add(msg)
		c.applyInternalLocked(msg)
		return true
	case types.CategoryUnclassified:
		if msg.IsPartial && msg.SessionID != "" {
			return c.applyPartialLocked(msg)
		}
		c.unclassified.Add(msg)
		return true
	}
	if msg.SessionID == "" {
		c.unclassified.Add(msg)
		return true
	}
	if msg.IsPartial {
		return c.applyPartialLocked(msg)
	}
	switch msg.PayloadKind {
	case types.KindMessageUpdated, types.KindMessageLoaded:
		c.finalizeLocked(msg)
	default:
		c.liveMsgs[msg.MessageID] = msg
	}
	return true
}

func (c *Coordinator) applyPartialLocked(msg types.CanonicalMessage) bool {
	if !c.assembler.Add(msg) {
		return false
	}
	// User turns do not stream, so their parts complete the message at once.
	if prev, ok := c.liveMsgs[msg.MessageID]; ok && prev.Role == types.RoleUser {
		prev.Text = nil
		c.finalizeLocked(prev)
	}
	return true
}

func (c *Coordinator) finalizeLocked(msg types.CanonicalMessage) {
	prev, seen := c.liveMsgs[msg.MessageID]
	finalized := c.assembler.Finalize(msg)
	if seen {
		if finalized.Text == nil && prev.Text != nil {
			finalized.Text = prev.Text
		}
		if finalized.Reasoning == nil && prev.Reasoning != nil {
			finalized.Reasoning = prev.Reasoning
		}
		if finalized.Role == types.RoleUnknown {
			finalized.Role = prev.Role
		}
		if prev.Timestamp > 0 && (finalized.Timestamp == 0 || prev.Timestamp < finalized.Timestamp) {
			finalized.Timestamp = prev.Timestamp
		}
	}
	finalized.Category = ""
	finalized = classify.Apply(finalized)
	c.liveMsgs[finalized.MessageID] = finalized
	if finalized.Role == types.RoleUser {
		c.reconcileEchoesLocked([]types.CanonicalMessage{finalized})
	}
}

func (c *Coordinator) applyInternalLocked(msg types.CanonicalMessage) {
	if msg.SessionID == "" {
		return
	}
	switch msg.PayloadKind {
	case types.KindSessionStatus, types.KindSessionIdle:
		c.busy = msg.Status == "busy" || msg.Status == "retry"
	case types.KindTodoUpdate, types.KindTodoUpdated:
		c.todos = append([]types.Todo(nil), msg.Todos...)
	}
}

// reconcileEchoesLocked drops local echoes the server has confirmed.
func (c *Coordinator) reconcileEchoesLocked(confirmed []types.CanonicalMessage) {
	if len(c.echoes) == 0 {
		return
	}
	for _, msg := range confirmed {
		if msg.Role != types.RoleUser || !msg.HasText() {
			continue
		}
		text := strings.TrimSpace(msg.TextValue())
		for id, echo := range c.echoes {
			if strings.TrimSpace(echo.TextValue()) == text {
				delete(c.echoes, id)
				break
			}
		}
	}
}

func (c *Coordinator) clearLiveLocked() {
	c.assembler.Reset()
	clear(c.liveMsgs)
	clear(c.echoes)
	c.busy = false
}

func (c *Coordinator) cancelHistoryLocked() {
	c.historyGen++
	if c.historyCancel != nil {
		c.historyCancel()
		c.historyCancel = nil
	}
}

func (c *Coordinator) startHistoryLocked() {
	if c.api == nil || c.sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	c.historyCancel = cancel
	go c.loadHistory(ctx, cancel, c.api, c.sessionID, c.historyGen)
}

func (c *Coordinator) loadHistory(ctx context.Context, cancel context.CancelFunc, api *API, sessionID string, gen uint64) {
	defer cancel()
	records, err := c.fetchHistory(ctx, api, sessionID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.metrics.HistoryLoad("error")
			c.logger.Warn("history load failed", logging.F("session_id", sessionID), logging.Err(err))
		}
		return
	}
	msgs := c.historical.ProcessBatch(records)

	c.mu.Lock()
	if gen != c.historyGen || sessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	history := make([]types.CanonicalMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.SessionID == "" {
			msg.SessionID = sessionID
		}
		msg = classify.Apply(msg)
		c.metrics.Message(string(msg.Source), string(msg.Category))
		switch {
		case msg.SessionID != sessionID:
			continue
		case msg.Category == types.CategoryInternal:
			c.internal.Add(msg)
		case msg.Category == types.CategoryUnclassified:
			c.unclassified.Add(msg)
		default:
			history = append(history, msg)
		}
	}
	c.history = history
	c.historyLoaded = true
	c.historyCancel = nil
	c.reconcileEchoesLocked(c.history)
	c.remergeLocked()
	count := len(c.history)
	c.mu.Unlock()

	c.metrics.HistoryLoad("ok")
	c.logger.Info("history loaded", logging.F("session_id", sessionID), logging.F("messages", count))
	c.notify()
}

func (c *Coordinator) fetchHistory(ctx context.Context, api *API, sessionID string) ([]json.RawMessage, error) {
	var records []json.RawMessage
	cursor := ""
	seen := map[string]struct{}{}
	for page := 0; page < c.opts.HistoryMaxPages; page++ {
		result, err := api.Messages(ctx, sessionID, c.opts.HistoryPageLimit, cursor)
		if err != nil {
			return nil, err
		}
		records = append(records, result.Records...)
		if result.Next == "" {
			break
		}
		if _, loop := seen[result.Next]; loop {
			break
		}
		seen[result.Next] = struct{}{}
		cursor = result.Next
	}
	return records, nil
}

// remergeLocked rebuilds the timeline from scratch.
func (c *Coordinator) remergeLocked() {
	started := time.Now()
	live := make([]types.CanonicalMessage, 0, len(c.liveMsgs)+len(c.echoes))
	for _, msg := range c.liveMsgs {
		live = append(live, msg)
	}
	for _, msg := range c.echoes {
		live = append(live, msg)
	}
	c.merged = timeline.Merge(c.history, live)
	c.metrics.MergeSeconds(time.Since(started).Seconds())
	c.updatedAt = c.now()
}

// fail records a caller-facing error for the banner and returns it.
func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	c.errText = err.Error()
	c.mu.Unlock()
	c.notify()
	return err
}

func (c *Coordinator) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
