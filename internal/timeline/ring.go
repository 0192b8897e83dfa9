package timeline

import "agentfeed/internal/types"

// Ring keeps the most recent messages up to a fixed size. It is not safe for
// concurrent use.
type Ring struct {
	items []types.CanonicalMessage
	next  int
	full  bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{items: make([]types.CanonicalMessage, size)}
}

func (r *Ring) Add(msg types.CanonicalMessage) {
	r.items[r.next] = msg
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

func (r *Ring) Len() int {
	if r.full {
		return len(r.items)
	}
	return r.next
}

// Snapshot returns the retained messages oldest first.
func (r *Ring) Snapshot() []types.CanonicalMessage {
	if !r.full {
		return append([]types.CanonicalMessage(nil), r.items[:r.next]...)
	}
	out := make([]types.CanonicalMessage, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}

func (r *Ring) Reset() {
	clear(r.items)
	r.next = 0
	r.full = false
}

// GroupByKind buckets messages by payload kind, keeping their order.
func GroupByKind(msgs []types.CanonicalMessage) map[string][]types.CanonicalMessage {
	out := map[string][]types.CanonicalMessage{}
	for _, msg := range msgs {
		out[msg.PayloadKind] = append(out[msg.PayloadKind], msg)
	}
	return out
}
