package timeline

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"agentfeed/internal/preprocess"
	"agentfeed/internal/types"
)

func textMessage(id string, source types.Source, ts int64, text string) types.CanonicalMessage {
	return types.CanonicalMessage{
		Source:      source,
		MessageID:   id,
		SessionID:   "s1",
		Role:        types.RoleAssistant,
		Timestamp:   ts,
		PayloadKind: types.KindMessageUpdated,
		Text:        types.StringPtr(text),
	}
}

func TestMergeLivePrecedenceKeepsEarlierTimestamp(t *testing.T) {
	historical := []types.CanonicalMessage{textMessage("m1", types.SourceHistorical, 1000, "old")}
	live := []types.CanonicalMessage{textMessage("m1", types.SourceLive, 5000, "new")}
	result := Merge(historical, live)
	if len(result.Timeline) != 1 {
		t.Fatalf("expected one entry, got %d", len(result.Timeline))
	}
	got := result.Timeline[0]
	if got.TextValue() != "new" {
		t.Fatalf("expected live text, got %q", got.TextValue())
	}
	if got.Timestamp != 1000 {
		t.Fatalf("expected earlier timestamp, got %d", got.Timestamp)
	}
	if !got.Merged || got.Source != types.SourceLive || !got.IsLastMessage {
		t.Fatalf("unexpected flags %#v", got)
	}
}

func TestMergeOrdersByTimestampWithCreatedAtFallback(t *testing.T) {
	noTimestamp := textMessage("c", types.SourceHistorical, 0, "c")
	noTimestamp.CreatedAt = 1500
	result := Merge(
		[]types.CanonicalMessage{textMessage("b", types.SourceHistorical, 2000, "b"), noTimestamp},
		[]types.CanonicalMessage{textMessage("a", types.SourceLive, 1000, "a"), textMessage("d", types.SourceLive, 2000, "d")},
	)
	want := []string{"a", "c", "b", "d"}
	if got := result.IDs(); !slices.Equal(got, want) {
		t.Fatalf("expected order %v, got %v", want, got)
	}
	for i, msg := range result.Timeline {
		if msg.IsLastMessage != (i == len(result.Timeline)-1) {
			t.Fatalf("IsLastMessage wrong at %d", i)
		}
	}
}

func TestMergeExcludesPartialAndNonRenderable(t *testing.T) {
	partial := textMessage("p", types.SourceLive, 10, "Hel")
	partial.PayloadKind = types.KindPartUpdated
	partial.IsPartial = true
	status := types.CanonicalMessage{MessageID: "st", PayloadKind: types.KindSessionStatus, Status: "busy", Timestamp: 20}
	unknown := types.CanonicalMessage{MessageID: "u", PayloadKind: "file.edited", Text: types.StringPtr("{}"), Timestamp: 30}
	errMsg := types.CanonicalMessage{MessageID: "e", PayloadKind: types.KindSessionError, Error: &types.ErrorInfo{Message: "boom"}, Timestamp: 40}

	result := Merge(nil, []types.CanonicalMessage{partial, status, unknown, errMsg, textMessage("m", types.SourceLive, 50, "ok")})
	if got := result.IDs(); !slices.Equal(got, []string{"e", "m"}) {
		t.Fatalf("unexpected timeline %v", got)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	historical := []types.CanonicalMessage{textMessage("m1", types.SourceHistorical, 1000, "old")}
	live := []types.CanonicalMessage{textMessage("m1", types.SourceLive, 5000, "new")}
	result := Merge(historical, live)
	*result.Timeline[0].Text = "changed"
	if historical[0].IsLastMessage || live[0].Merged || live[0].Timestamp != 5000 || live[0].TextValue() != "new" {
		t.Fatalf("inputs were mutated")
	}
}

func TestMergeGroupings(t *testing.T) {
	user := textMessage("u", types.SourceHistorical, 1, "hi")
	user.Role = types.RoleUser
	other := textMessage("o", types.SourceHistorical, 2, "elsewhere")
	other.SessionID = "s2"
	result := Merge([]types.CanonicalMessage{user, other}, []types.CanonicalMessage{textMessage("a", types.SourceLive, 3, "yo")})
	if len(result.ByRole[types.RoleUser]) != 1 || len(result.ByRole[types.RoleAssistant]) != 2 {
		t.Fatalf("unexpected role groups %v", result.ByRole)
	}
	if len(result.BySession["s1"]) != 2 || len(result.BySession["s2"]) != 1 {
		t.Fatalf("unexpected session groups %v", result.BySession)
	}
	if len(result.ByDisplayKind[types.DisplayText]) != 3 {
		t.Fatalf("unexpected display groups %v", result.ByDisplayKind)
	}
}

func randomSet(r *rand.Rand, source types.Source, n int) []types.CanonicalMessage {
	out := make([]types.CanonicalMessage, 0, n)
	for i := 0; i < n; i++ {
		msg := textMessage(fmt.Sprintf("m%d", r.IntN(n*2)), source, int64(r.IntN(50)), fmt.Sprintf("%s-%d", source, i))
		if r.IntN(5) == 0 {
			msg.IsPartial = true
			msg.PayloadKind = types.KindPartUpdated
		}
		if r.IntN(7) == 0 {
			msg.Timestamp = 0
			msg.CreatedAt = int64(r.IntN(50))
		}
		out = append(out, msg)
	}
	return out
}

func TestMergeProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 200; round++ {
		historical := randomSet(r, types.SourceHistorical, 1+r.IntN(20))
		live := randomSet(r, types.SourceLive, r.IntN(20))

		first := Merge(historical, live)
		second := Merge(historical, live)
		if !slices.Equal(first.IDs(), second.IDs()) {
			t.Fatalf("round %d: merge is not idempotent", round)
		}

		seen := map[string]bool{}
		for i, msg := range first.Timeline {
			if seen[msg.MessageID] {
				t.Fatalf("round %d: duplicate id %q", round, msg.MessageID)
			}
			seen[msg.MessageID] = true
			if msg.IsPartial {
				t.Fatalf("round %d: partial %q in timeline", round, msg.MessageID)
			}
			if i > 0 && first.Timeline[i-1].SortKey() > msg.SortKey() {
				t.Fatalf("round %d: timeline out of order at %d", round, i)
			}
		}

		lastLive := map[string]types.CanonicalMessage{}
		for _, msg := range live {
			if !msg.IsPartial {
				lastLive[msg.MessageID] = msg
			}
		}
		for _, msg := range first.Timeline {
			if want, ok := lastLive[msg.MessageID]; ok && msg.TextValue() != want.TextValue() {
				t.Fatalf("round %d: live text lost for %q", round, msg.MessageID)
			}
		}
	}
}

func TestMergeKeepsLoadedTextWhenLiveFinalizeHasNone(t *testing.T) {
	loaded := textMessage("m1", types.SourceHistorical, 1000, "old answer")
	loaded.PayloadKind = types.KindMessageLoaded
	loaded.Reasoning = types.StringPtr("thought")
	resent := types.CanonicalMessage{
		Source:             types.SourceLive,
		MessageID:          "m1",
		SessionID:          "s1",
		Role:               types.RoleAssistant,
		Agent:              "build",
		Timestamp:          9000,
		PayloadKind:        types.KindMessageUpdated,
		AssembledFromParts: true,
	}
	result := Merge([]types.CanonicalMessage{loaded}, []types.CanonicalMessage{resent})
	if len(result.Timeline) != 1 {
		t.Fatalf("expected one entry, got %d", len(result.Timeline))
	}
	got := result.Timeline[0]
	if got.TextValue() != "old answer" || got.Reasoning == nil || *got.Reasoning != "thought" {
		t.Fatalf("expected loaded content to survive, got %#v", got)
	}
	if got.DisplayKind != types.DisplayText || got.Category != types.CategoryMessage {
		t.Fatalf("expected text display, got %s/%s", got.Category, got.DisplayKind)
	}
	if got.Source != types.SourceLive || got.Agent != "build" || !got.Merged || got.Timestamp != 1000 {
		t.Fatalf("expected live metadata with earlier timestamp, got %#v", got)
	}
	if loaded.TextValue() != "old answer" || resent.Text != nil {
		t.Fatalf("inputs must not be modified")
	}
}

func TestMergeRendersMinimalTypedHistory(t *testing.T) {
	records := []json.RawMessage{
		json.RawMessage(`{"id":"m1","type":"user","message":"hello there","sessionID":"s1","createdAt":1700000001000}`),
		json.RawMessage(`{"id":"m2","type":"assistant","parts":[{"type":"output","text":"answer"}],"sessionID":"s1","createdAt":1700000002000}`),
		json.RawMessage(`{"id":"m3","type":"sent","text":"ping","sessionID":"s1","createdAt":1700000003000}`),
	}
	msgs := preprocess.NewHistorical(nil).ProcessBatch(records)
	result := Merge(msgs, nil)
	ids := make([]string, 0, len(result.Timeline))
	for _, msg := range result.Timeline {
		ids = append(ids, msg.MessageID)
	}
	if !slices.Equal(ids, []string{"m1", "m2", "m3"}) {
		t.Fatalf("expected all typed records in the timeline, got %v", ids)
	}
	roles := []types.Role{types.RoleUser, types.RoleAssistant, types.RoleUser}
	for i, msg := range result.Timeline {
		if msg.Role != roles[i] || msg.DisplayKind != types.DisplayText {
			t.Fatalf("%s: unexpected role/display %s/%s", msg.MessageID, msg.Role, msg.DisplayKind)
		}
	}
	if result.Timeline[0].RecordType != "user" {
		t.Fatalf("expected record type retained, got %q", result.Timeline[0].RecordType)
	}
}
