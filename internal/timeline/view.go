package timeline

import (
	"time"

	"agentfeed/internal/assemble"
	"agentfeed/internal/types"
)

// View is a read-only snapshot of one session for rendering.
type View struct {
	SessionID       string
	Model           string
	ConnectionState types.ConnectionState
	IsSessionBusy   bool

	Timeline      []types.CanonicalMessage
	ByRole        map[types.Role][]types.CanonicalMessage
	ByDisplayKind map[types.DisplayKind][]types.CanonicalMessage

	// Unclassified holds diagnostics grouped by payload kind. Messages with
	// no resolved session end up here too.
	Unclassified map[string][]types.CanonicalMessage
	Internal     []types.CanonicalMessage
	Todos        []types.Todo
	Pending      []assemble.Preview

	HistoryLoaded bool
	Err           string
	UpdatedAt     time.Time
}

// Last returns the final timeline entry, if any.
func (v View) Last() (types.CanonicalMessage, bool) {
	if len(v.Timeline) == 0 {
		return types.CanonicalMessage{}, false
	}
	return v.Timeline[len(v.Timeline)-1], true
}
