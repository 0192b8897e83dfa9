// Package timeline merges historical and live messages into the ordered
// per-session timeline and projects it for consumers.
package timeline

import (
	"sort"

	"agentfeed/internal/classify"
	"agentfeed/internal/types"
)

// Result is one merge run. The groupings index into Timeline and are
// recomputed on every run.
type Result struct {
	Timeline      []types.CanonicalMessage
	BySession     map[string][]types.CanonicalMessage
	ByRole        map[types.Role][]types.CanonicalMessage
	ByDisplayKind map[types.DisplayKind][]types.CanonicalMessage
}

// Merge combines the historical and live sets for a session. Live entries
// replace historical ones with the same id while keeping the earlier of the
// two timestamps. Partial and non-renderable messages never appear in the
// output. Merge does not modify its inputs and returns the same order for
// the same inputs.
func Merge(historical, live []types.CanonicalMessage) Result {
	byID := make(map[string]types.CanonicalMessage, len(historical)+len(live))
	insert := func(msg types.CanonicalMessage, source types.Source) {
		if msg.MessageID == "" || msg.IsPartial {
			return
		}
		msg = types.CloneMessage(msg)
		msg.Source = source
		msg.IsLastMessage = false
		msg.Merged = false
		prev, exists := byID[msg.MessageID]
		supersedes := exists && prev.Source == types.SourceHistorical && source == types.SourceLive
		if supersedes {
			msg = keepLoadedContent(msg, prev)
		}
		if msg.Category == "" || supersedes {
			msg = classify.Apply(msg)
		}
		if !classify.Renderable(msg) {
			return
		}
		if supersedes {
			msg.Timestamp = earliest(prev.Timestamp, msg.Timestamp)
			msg.CreatedAt = earliest(prev.CreatedAt, msg.CreatedAt)
			msg.Merged = true
		}
		byID[msg.MessageID] = msg
	}
	for _, msg := range historical {
		insert(msg, types.SourceHistorical)
	}
	for _, msg := range live {
		insert(msg, types.SourceLive)
	}

	ordered := make([]types.CanonicalMessage, 0, len(byID))
	for _, msg := range byID {
		ordered = append(ordered, msg)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		left, right := ordered[i].SortKey(), ordered[j].SortKey()
		if left != right {
			return left < right
		}
		return ordered[i].MessageID < ordered[j].MessageID
	})
	if n := len(ordered); n > 0 {
		ordered[n-1].IsLastMessage = true
	}
	return project(ordered)
}

func project(ordered []types.CanonicalMessage) Result {
	out := Result{
		Timeline:      ordered,
		BySession:     map[string][]types.CanonicalMessage{},
		ByRole:        map[types.Role][]types.CanonicalMessage{},
		ByDisplayKind: map[types.DisplayKind][]types.CanonicalMessage{},
	}
	for _, msg := range ordered {
		out.BySession[msg.SessionID] = append(out.BySession[msg.SessionID], msg)
		out.ByRole[msg.Role] = append(out.ByRole[msg.Role], msg)
		out.ByDisplayKind[msg.DisplayKind] = append(out.ByDisplayKind[msg.DisplayKind], msg)
	}
	return out
}

// keepLoadedContent fills content a live entry lacks from the historical
// entry it replaces. A live finalize resent without its parts has no text,
// which means missing content rather than empty content.
func keepLoadedContent(live, loaded types.CanonicalMessage) types.CanonicalMessage {
	if live.Text == nil {
		live.Text = loaded.Text
	}
	if live.Reasoning == nil {
		live.Reasoning = loaded.Reasoning
	}
	return live
}

// earliest prefers the smaller non-zero timestamp.
func earliest(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// IDs returns the message ids of the timeline in order.
func (r Result) IDs() []string {
	ids := make([]string, 0, len(r.Timeline))
	for _, msg := range r.Timeline {
		ids = append(ids, msg.MessageID)
	}
	return ids
}
