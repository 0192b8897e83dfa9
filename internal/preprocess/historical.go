package preprocess

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentfeed/internal/logging"
	"agentfeed/internal/types"
)

type shape int

const (
	shapeInvalid shape = iota
	shapeLoaded
	shapeFlat
	shapeMinimal
)

// Historical converts records from the REST message listing.
type Historical struct {
	ids    *IDs
	logger logging.Logger
}

func NewHistorical(logger logging.Logger) *Historical {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Historical{ids: NewIDs(types.SourceHistorical), logger: logger}
}

// ProcessBatch converts every record, keeping the input order. A record that
// fails to convert is replaced by an invalid placeholder at its index.
func (h *Historical) ProcessBatch(records []json.RawMessage) []types.CanonicalMessage {
	out := make([]types.CanonicalMessage, len(records))
	for i, record := range records {
		out[i] = h.safeProcess(i, record)
	}
	return out
}

func (h *Historical) safeProcess(index int, record json.RawMessage) (msg types.CanonicalMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("history record failed", logging.F("index", index), logging.F("panic", fmt.Sprint(r)))
			msg = h.invalid(record)
		}
	}()
	return h.Process(record)
}

// Process converts one record. Unknown shapes become an invalid message.
func (h *Historical) Process(record json.RawMessage) types.CanonicalMessage {
	var obj map[string]any
	if err := json.Unmarshal(record, &obj); err != nil || obj == nil {
		return h.invalid(record)
	}
	info, parts, kind := detectShape(obj)
	if kind == shapeInvalid {
		return h.invalid(record)
	}

	msg := types.CanonicalMessage{
		Source:      types.SourceHistorical,
		PayloadKind: types.KindMessageLoaded,
		Raw:         append(json.RawMessage(nil), record...),
	}
	if kind == shapeMinimal {
		msg.RecordType = strings.ToLower(firstString(obj, "type"))
	}
	msg.MessageID = firstString(info, "id", "messageID", "messageId")
	if msg.MessageID == "" {
		msg.MessageID = firstString(obj, "id", "messageId", "messageID")
	}
	msg.SessionID = firstString(info, "sessionID", "sessionId", "session_id")
	if msg.SessionID == "" {
		msg.SessionID = firstString(obj, "sessionID", "sessionId", "session_id")
	}
	msg.Role = historicalRole(obj, info, parts)
	msg.Agent = firstString(info, "agent")
	if msg.Agent == "" {
		msg.Agent = firstString(obj, "agent")
	}
	msg.CreatedAt = firstTimestamp(
		lookup(info, "time", "created"),
		info["createdAt"],
		obj["createdAt"],
		obj["timestamp"],
		lookup(obj, "time", "created"),
	)
	msg.Timestamp = msg.CreatedAt
	msg.Text = historicalText(obj, info, parts)
	if reasoning := joinPartText(parts, types.PartReasoning); reasoning != "" {
		msg.Reasoning = types.StringPtr(reasoning)
	}
	msg.Error = errorInfo(asMap(info["error"]))

	if msg.MessageID == "" {
		msg.MessageID = h.ids.Next(record)
	}
	return msg
}

func (h *Historical) invalid(record json.RawMessage) types.CanonicalMessage {
	h.logger.Debug("invalid history record", logging.F("bytes", len(record)))
	return types.CanonicalMessage{
		Source:      types.SourceHistorical,
		MessageID:   h.ids.Next(record),
		PayloadKind: types.KindInvalid,
		Raw:         append(json.RawMessage(nil), record...),
	}
}

// detectShape recognizes {info, parts}, {properties:{info}} and the minimal
// {id|type} record. For the minimal shape the record itself acts as info.
func detectShape(obj map[string]any) (map[string]any, []map[string]any, shape) {
	if info := asMap(obj["info"]); info != nil {
		if _, ok := obj["parts"]; ok {
			return info, asMaps(obj["parts"]), shapeLoaded
		}
	}
	if info := asMap(lookup(obj, "properties", "info")); info != nil {
		parts := asMaps(lookup(obj, "properties", "parts"))
		return info, parts, shapeFlat
	}
	if firstString(obj, "id", "messageId", "messageID", "type") != "" {
		return obj, asMaps(obj["parts"]), shapeMinimal
	}
	return nil, nil, shapeInvalid
}

func historicalRole(obj, info map[string]any, parts []map[string]any) types.Role {
	if role := types.ParseRole(firstString(info, "role")); role != types.RoleUnknown {
		return role
	}
	if role := types.ParseRole(firstString(obj, "role")); role != types.RoleUnknown {
		return role
	}
	typ := strings.ToLower(firstString(info, "type"))
	if typ == "" {
		typ = strings.ToLower(firstString(obj, "type"))
	}
	for _, hint := range []string{"user", "sent", "created"} {
		if typ != "" && strings.Contains(typ, hint) {
			return types.RoleUser
		}
	}
	for _, part := range parts {
		switch strings.ToLower(firstString(part, "type")) {
		case types.PartReasoning, types.PartOutput:
			return types.RoleAssistant
		}
	}
	return types.RoleUnknown
}

// historicalText walks the text sources from most to least specific and
// returns nil when none yields content.
func historicalText(obj, info map[string]any, parts []map[string]any) *string {
	candidates := []func() string{
		func() string { return joinPartText(parts, types.PartText, types.PartOutput) },
		func() string { return anyPartText(parts) },
		func() string { return firstString(obj, "message", "text", "content") },
		func() string { return lookupString(info, "summary", "body") },
		func() string { return lookupString(info, "message") },
		func() string { return nestedPartsText(parts) },
	}
	for _, candidate := range candidates {
		if text := candidate(); text != "" {
			return types.StringPtr(text)
		}
	}
	return nil
}

func anyPartText(parts []map[string]any) string {
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if text := firstString(part, "text", "content"); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

// nestedPartsText handles records whose parts wrap another parts list.
func nestedPartsText(parts []map[string]any) string {
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		inner := asMaps(part["parts"])
		if len(inner) == 0 {
			continue
		}
		text := joinPartText(inner, types.PartText, types.PartOutput)
		if text == "" {
			text = anyPartText(inner)
		}
		if text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}
