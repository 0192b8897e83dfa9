package preprocess

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentfeed/internal/logging"
	"agentfeed/internal/metrics"
	"agentfeed/internal/types"
)

var ErrMalformedFrame = errors.New("malformed stream frame")

const maxEchoIDs = 512

const (
	frameOK        = "ok"
	frameMalformed = "malformed"
	frameEcho      = "echo"
)

// liveEvent is one decoded event object after envelope unwrapping.
type liveEvent struct {
	kind       string
	properties map[string]any
	top        map[string]any
	raw        json.RawMessage
}

type liveDecoder func(ev liveEvent, msg *types.CanonicalMessage)

// liveDecoders maps payload kinds to their decoders. Kinds missing from the
// table fall through to decodeUnknown.
var liveDecoders = map[string]liveDecoder{
	types.KindPartUpdated:    decodePartUpdated,
	types.KindMessageUpdated: decodeMessageUpdated,
	types.KindMessageLoaded:  decodeMessageLoaded,
	types.KindSessionError:   decodeSessionError,
	types.KindSessionStatus:  decodeSessionStatus,
	types.KindSessionIdle:    decodeSessionStatus,
	types.KindTodoUpdate:     decodeTodos,
	types.KindTodoUpdated:    decodeTodos,
	types.KindSystemReminder: decodeSystemReminder,
}

type LiveOptions struct {
	Logger  logging.Logger
	Metrics *metrics.Pipeline
	Now     func() time.Time
}

// Live turns raw stream frames into canonical messages.
type Live struct {
	ids     *IDs
	logger  logging.Logger
	metrics *metrics.Pipeline
	now     func() time.Time

	mu        sync.Mutex
	echoIDs   map[string]struct{}
	echoOrder []string
}

func NewLive(opts LiveOptions) *Live {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Live{
		ids:     NewIDs(types.SourceLive),
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
		echoIDs: map[string]struct{}{},
	}
}

// Process decodes one frame. Arrays fan out into one message per element.
// Agent echoes of user turns are dropped here and never returned, along with
// the streamed parts of those turns. A frame that is not JSON yields
// ErrMalformedFrame and no messages.
func (l *Live) Process(raw string) ([]types.CanonicalMessage, error) {
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 || !json.Valid(data) {
		l.metrics.Frame(frameMalformed)
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	elements := []json.RawMessage{data}
	if data[0] == '[' {
		if err := json.Unmarshal(data, &elements); err != nil {
			l.metrics.Frame(frameMalformed)
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	}
	arrival := l.now().UnixMilli()
	out := make([]types.CanonicalMessage, 0, len(elements))
	for _, element := range elements {
		msg := l.decode(element, arrival)
		if l.echoed(msg) {
			l.metrics.Frame(frameEcho)
			l.logger.Debug("dropped agent echo", logging.F("message_id", msg.MessageID), logging.F("agent", msg.Agent))
			continue
		}
		out = append(out, msg)
	}
	l.metrics.Frame(frameOK)
	return out, nil
}

// IsAgentEcho reports a user turn tagged with an agent. The server never
// attributes user input to an agent, so such a message is a replay of a turn
// already shown locally.
func IsAgentEcho(msg types.CanonicalMessage) bool {
	return msg.Role == types.RoleUser && strings.TrimSpace(msg.Agent) != ""
}

func (l *Live) echoed(msg types.CanonicalMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if IsAgentEcho(msg) {
		if _, seen := l.echoIDs[msg.MessageID]; !seen {
			l.echoIDs[msg.MessageID] = struct{}{}
			l.echoOrder = append(l.echoOrder, msg.MessageID)
			if len(l.echoOrder) > maxEchoIDs {
				delete(l.echoIDs, l.echoOrder[0])
				l.echoOrder = l.echoOrder[1:]
			}
		}
		return true
	}
	if msg.IsPartial {
		_, seen := l.echoIDs[msg.MessageID]
		return seen
	}
	return false
}

func (l *Live) decode(element json.RawMessage, arrival int64) types.CanonicalMessage {
	msg := types.CanonicalMessage{
		Source:    types.SourceLive,
		Timestamp: arrival,
		Raw:       append(json.RawMessage(nil), element...),
	}
	var top map[string]any
	if err := json.Unmarshal(element, &top); err != nil || top == nil {
		// Valid JSON that is not an object still becomes a message.
		msg.PayloadKind = "unknown"
		msg.Text = types.StringPtr(compactJSON(element))
		msg.MessageID = l.ids.Next(element)
		return msg
	}
	ev := unwrapEnvelope(top, element)
	msg.PayloadKind = ev.kind
	msg.SessionID = liveSessionID(ev)

	decoder, ok := liveDecoders[ev.kind]
	if !ok {
		decoder = decodeUnknown
	}
	decoder(ev, &msg)

	if msg.PayloadKind == "" {
		msg.PayloadKind = "unknown"
	}
	if msg.MessageID == "" {
		msg.MessageID = l.ids.Next(element)
	}
	return msg
}

// unwrapEnvelope strips the global-event wrapper {directory, payload:{...}}.
func unwrapEnvelope(top map[string]any, raw json.RawMessage) liveEvent {
	event := top
	if payload := asMap(top["payload"]); payload != nil && asString(top["type"]) == "" {
		event = payload
	}
	props := asMap(event["properties"])
	if props == nil {
		props = map[string]any{}
	}
	return liveEvent{
		kind:       strings.ToLower(strings.TrimSpace(asString(event["type"]))),
		properties: props,
		top:        top,
		raw:        raw,
	}
}

func liveSessionID(ev liveEvent) string {
	if id := firstString(ev.top, "sessionId", "session_id", "sessionID"); id != "" {
		return id
	}
	for _, path := range [][]string{
		{"sessionID"},
		{"info", "sessionID"},
		{"part", "sessionID"},
	} {
		if id := lookupString(ev.properties, path...); id != "" {
			return id
		}
	}
	return ""
}

func decodePartUpdated(ev liveEvent, msg *types.CanonicalMessage) {
	part := asMap(ev.properties["part"])
	msg.IsPartial = true
	msg.MessageID = firstString(part, "messageID", "messageId")
	msg.PartID = firstString(part, "id")
	msg.PartType = strings.ToLower(firstString(part, "type"))
	if text, ok := part["text"].(string); ok {
		msg.Text = types.StringPtr(text)
	}
	msg.Delta = asString(ev.properties["delta"])
	msg.CreatedAt = firstTimestamp(lookup(part, "time", "start"))
}

func decodeMessageUpdated(ev liveEvent, msg *types.CanonicalMessage) {
	info := asMap(ev.properties["info"])
	applyInfo(info, msg)
	if body := lookupString(info, "summary", "body"); body != "" {
		msg.Text = types.StringPtr(body)
	}
	if errInfo := errorInfo(asMap(info["error"])); errInfo != nil {
		msg.Error = errInfo
	}
}

func decodeMessageLoaded(ev liveEvent, msg *types.CanonicalMessage) {
	info := asMap(ev.properties["info"])
	applyInfo(info, msg)
	if text := joinPartText(asMaps(ev.properties["parts"]), types.PartText); text != "" {
		msg.Text = types.StringPtr(text)
	}
	if reasoning := joinPartText(asMaps(ev.properties["parts"]), types.PartReasoning); reasoning != "" {
		msg.Reasoning = types.StringPtr(reasoning)
	}
}

func decodeSessionError(ev liveEvent, msg *types.CanonicalMessage) {
	msg.Error = errorInfo(asMap(ev.properties["error"]))
	if msg.Error == nil {
		msg.Error = &types.ErrorInfo{Message: "session error"}
	}
}

func decodeSessionStatus(ev liveEvent, msg *types.CanonicalMessage) {
	if ev.kind == types.KindSessionIdle {
		msg.Status = "idle"
		return
	}
	switch status := ev.properties["status"].(type) {
	case string:
		msg.Status = strings.ToLower(strings.TrimSpace(status))
	case map[string]any:
		msg.Status = strings.ToLower(strings.TrimSpace(asString(status["type"])))
	}
}

func decodeTodos(ev liveEvent, msg *types.CanonicalMessage) {
	todos := asMaps(ev.properties["todos"])
	msg.Todos = make([]types.Todo, 0, len(todos))
	for _, todo := range todos {
		msg.Todos = append(msg.Todos, types.Todo{
			ID:       firstString(todo, "id"),
			Content:  firstString(todo, "content", "text", "title"),
			Status:   firstString(todo, "status"),
			Priority: firstString(todo, "priority"),
		})
	}
}

func decodeSystemReminder(ev liveEvent, msg *types.CanonicalMessage) {
	if text := firstString(ev.properties, "text", "content", "message"); text != "" {
		msg.Status = text
	}
}

func decodeUnknown(ev liveEvent, msg *types.CanonicalMessage) {
	msg.Text = types.StringPtr(compactJSON(ev.raw))
}

func applyInfo(info map[string]any, msg *types.CanonicalMessage) {
	if info == nil {
		return
	}
	msg.MessageID = firstString(info, "id", "messageID")
	msg.Role = types.ParseRole(firstString(info, "role"))
	msg.Agent = firstString(info, "agent")
	msg.CreatedAt = firstTimestamp(lookup(info, "time", "created"), info["createdAt"])
	if msg.SessionID == "" {
		msg.SessionID = firstString(info, "sessionID", "sessionId")
	}
}

func errorInfo(raw map[string]any) *types.ErrorInfo {
	if raw == nil {
		return nil
	}
	message := lookupString(raw, "data", "message")
	if message == "" {
		message = lookupString(raw, "message")
	}
	name := lookupString(raw, "name")
	if message == "" && name == "" {
		return nil
	}
	if message == "" {
		message = name
	}
	return &types.ErrorInfo{Name: name, Message: message}
}

// joinPartText joins the non-empty text of parts whose type is one of kinds.
// An untyped part counts as text.
func joinPartText(parts []map[string]any, kinds ...string) string {
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		typ := strings.ToLower(firstString(part, "type"))
		if typ == "" {
			typ = types.PartText
		}
		matched := false
		for _, kind := range kinds {
			if typ == kind {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if text := strings.TrimSpace(asString(part["text"])); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}
