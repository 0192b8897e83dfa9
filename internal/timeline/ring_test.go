package timeline

import (
	"fmt"
	"slices"
	"testing"

	"agentfeed/internal/types"
)

func TestRingKeepsMostRecent(t *testing.T) {
	ring := NewRing(3)
	for i := 0; i < 5; i++ {
		ring.Add(types.CanonicalMessage{MessageID: fmt.Sprintf("m%d", i), PayloadKind: "k"})
	}
	if ring.Len() != 3 {
		t.Fatalf("expected 3, got %d", ring.Len())
	}
	var ids []string
	for _, msg := range ring.Snapshot() {
		ids = append(ids, msg.MessageID)
	}
	if !slices.Equal(ids, []string{"m2", "m3", "m4"}) {
		t.Fatalf("unexpected snapshot %v", ids)
	}
	ring.Reset()
	if ring.Len() != 0 || len(ring.Snapshot()) != 0 {
		t.Fatalf("expected empty ring after reset")
	}
}

func TestGroupByKind(t *testing.T) {
	groups := GroupByKind([]types.CanonicalMessage{
		{MessageID: "a", PayloadKind: "file.edited"},
		{MessageID: "b", PayloadKind: types.KindInvalid},
		{MessageID: "c", PayloadKind: "file.edited"},
	})
	if len(groups["file.edited"]) != 2 || len(groups[types.KindInvalid]) != 1 {
		t.Fatalf("unexpected groups %v", groups)
	}
}
