// Package classify assigns every canonical message exactly one category and
// display kind.
package classify

import (
	"strings"

	"agentfeed/internal/types"
)

type Result struct {
	Category    types.Category
	DisplayKind types.DisplayKind
}

var internalKinds = map[string]types.DisplayKind{
	types.KindSessionStatus:  types.DisplayStatus,
	types.KindSessionIdle:    types.DisplayStatus,
	types.KindTodoUpdate:     types.DisplayTodo,
	types.KindTodoUpdated:    types.DisplayTodo,
	types.KindSystemReminder: types.DisplayReminder,
}

// Classify is total and depends only on the message contents, never on its
// source. Order: errors, internal kinds, renderable text, everything else.
func Classify(msg types.CanonicalMessage) Result {
	if msg.Error != nil || msg.PayloadKind == types.KindSessionError {
		return Result{Category: types.CategoryError, DisplayKind: types.DisplayError}
	}
	if kind, ok := internalKinds[msg.PayloadKind]; ok {
		return Result{Category: types.CategoryInternal, DisplayKind: kind}
	}
	if msg.PayloadKind == types.KindInvalid {
		return Result{Category: types.CategoryUnclassified, DisplayKind: types.DisplayInvalid}
	}
	if !isMessageKind(msg.PayloadKind) {
		return Result{Category: types.CategoryUnclassified, DisplayKind: types.DisplayUnknown}
	}
	if msg.IsPartial {
		if msg.PartType == types.PartReasoning {
			return Result{Category: types.CategoryMessage, DisplayKind: types.DisplayReasoning}
		}
		if msg.HasText() || msg.Delta != "" {
			return Result{Category: types.CategoryMessage, DisplayKind: types.DisplayText}
		}
		return Result{Category: types.CategoryUnclassified, DisplayKind: types.DisplayEmpty}
	}
	if msg.HasText() {
		return Result{Category: types.CategoryMessage, DisplayKind: types.DisplayText}
	}
	if finalized(msg) {
		if msg.Reasoning != nil && *msg.Reasoning != "" {
			return Result{Category: types.CategoryMessage, DisplayKind: types.DisplayReasoning}
		}
		return Result{Category: types.CategoryMessage, DisplayKind: types.DisplayEmpty}
	}
	return Result{Category: types.CategoryUnclassified, DisplayKind: types.DisplayEmpty}
}

// Apply stamps the classification onto msg and returns it.
func Apply(msg types.CanonicalMessage) types.CanonicalMessage {
	result := Classify(msg)
	msg.Category = result.Category
	msg.DisplayKind = result.DisplayKind
	return msg
}

// Renderable reports whether a classified message belongs in the timeline.
func Renderable(msg types.CanonicalMessage) bool {
	if msg.IsPartial {
		return false
	}
	return msg.Category == types.CategoryMessage || msg.Category == types.CategoryError
}

func finalized(msg types.CanonicalMessage) bool {
	switch msg.PayloadKind {
	case types.KindMessageUpdated, types.KindMessageLoaded:
		return !msg.IsPartial
	default:
		return false
	}
}

// isMessageKind accepts the conversation kinds, including vendor variants
// such as message.sent.
func isMessageKind(kind string) bool {
	return strings.Contains(kind, "message")
}
