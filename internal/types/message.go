package types

import (
	"encoding/json"
	"strings"
)

type Source string

const (
	SourceLive       Source = "live"
	SourceHistorical Source = "historical"
)

type Role string

const (
	RoleUnknown   Role = ""
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole maps provider role strings onto the canonical roles. Anything it
// does not recognize stays RoleUnknown.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "human":
		return RoleUser
	case "assistant", "model", "agent":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUnknown
	}
}

type Category string

const (
	CategoryMessage      Category = "message"
	CategoryInternal     Category = "internal"
	CategoryUnclassified Category = "unclassified"
	CategoryError        Category = "error"
)

type DisplayKind string

const (
	DisplayText      DisplayKind = "text"
	DisplayReasoning DisplayKind = "reasoning"
	DisplayError     DisplayKind = "error"
	DisplayStatus    DisplayKind = "status"
	DisplayTodo      DisplayKind = "todo"
	DisplayReminder  DisplayKind = "reminder"
	DisplayInvalid   DisplayKind = "invalid"
	DisplayUnknown   DisplayKind = "unknown"
	DisplayEmpty     DisplayKind = "empty"
)

// Payload kinds produced by the preprocessors.
const (
	KindPartUpdated    = "message.part.updated"
	KindMessageUpdated = "message.updated"
	KindMessageLoaded  = "message.loaded"
	KindSessionError   = "session.error"
	KindSessionStatus  = "session.status"
	KindSessionIdle    = "session.idle"
	KindTodoUpdate     = "todo.update"
	KindTodoUpdated    = "todo.updated"
	KindSystemReminder = "system-reminder"
	KindInvalid        = "invalid"
	KindLocalEcho      = "message.local"
)

// Part types carried by streamed fragments.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartOutput    = "output"
	PartTool      = "tool"
)

type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// CanonicalMessage is the source-agnostic shape every preprocessor produces.
type CanonicalMessage struct {
	Source      Source     `json:"source"`
	MessageID   string     `json:"messageId"`
	SessionID   string     `json:"sessionId,omitempty"`
	Role        Role       `json:"role,omitempty"`
	Agent       string     `json:"agent,omitempty"`
	Timestamp   int64      `json:"timestamp"`
	CreatedAt   int64      `json:"createdAt,omitempty"`
	PayloadKind string     `json:"payloadKind"`
	// RecordType is the type string a minimal history record carried, if any.
	RecordType  string     `json:"recordType,omitempty"`
	Text        *string    `json:"text"`
	Reasoning   *string    `json:"reasoning,omitempty"`
	IsPartial   bool       `json:"isPartial"`
	PartID      string     `json:"partId,omitempty"`
	PartType    string     `json:"partType,omitempty"`
	Delta       string     `json:"delta,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	Status      string     `json:"status,omitempty"`
	Todos       []Todo     `json:"todos,omitempty"`

	AssembledFromParts bool `json:"assembledFromParts,omitempty"`
	Merged             bool `json:"merged,omitempty"`
	IsLastMessage      bool `json:"isLastMessage,omitempty"`
	LocalEcho          bool `json:"localEcho,omitempty"`

	Category    Category    `json:"category,omitempty"`
	DisplayKind DisplayKind `json:"displayKind,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// SortKey is the timestamp used for ordering; CreatedAt stands in when the
// arrival timestamp is missing.
func (m CanonicalMessage) SortKey() int64 {
	if m.Timestamp > 0 {
		return m.Timestamp
	}
	return m.CreatedAt
}

func (m CanonicalMessage) TextValue() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

func (m CanonicalMessage) HasText() bool {
	return m.Text != nil && *m.Text != ""
}

func StringPtr(value string) *string {
	return &value
}

func CloneMessage(m CanonicalMessage) CanonicalMessage {
	out := m
	if m.Text != nil {
		out.Text = StringPtr(*m.Text)
	}
	if m.Reasoning != nil {
		out.Reasoning = StringPtr(*m.Reasoning)
	}
	if m.Error != nil {
		errInfo := *m.Error
		out.Error = &errInfo
	}
	if len(m.Todos) > 0 {
		out.Todos = append([]Todo(nil), m.Todos...)
	}
	if len(m.Raw) > 0 {
		out.Raw = append(json.RawMessage(nil), m.Raw...)
	}
	return out
}
