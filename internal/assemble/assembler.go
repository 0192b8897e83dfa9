// Package assemble accumulates streamed message parts until the server
// finalizes the message.
package assemble

import (
	"sort"
	"strings"
	"sync"
	"time"

	"agentfeed/internal/logging"
	"agentfeed/internal/metrics"
	"agentfeed/internal/types"
)

const (
	defaultMaxBuffers = 256
	defaultMaxAge     = 10 * time.Minute
)

const (
	evictCapacity = "capacity"
	evictAge      = "age"
	evictSession  = "session"
	evictReset    = "reset"
)

type Options struct {
	MaxBuffers int
	MaxAge     time.Duration
	Now        func() time.Time
	Logger     logging.Logger
	Metrics    *metrics.Pipeline
}

// Preview is a read-only view of a message still being streamed.
type Preview struct {
	MessageID string
	SessionID string
	Text      string
	Reasoning string
	StartedAt time.Time
	UpdatedAt time.Time
}

type fragment struct {
	partID   string
	partType string
	text     string
}

type buffer struct {
	messageID string
	sessionID string
	seq       uint64
	started   time.Time
	updated   time.Time
	fragments []fragment
	byPart    map[string]int
}

// Assembler keeps one buffer per message id. It is safe for concurrent use.
//
// Buffers finalized from assembled parts are parked in a closed set bounded
// by the same count and age limits as open buffers.
// A fragment that arrives after finalization reopens its buffer, so parts
// that were not resent are not lost on the next finalize.
type Assembler struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	closed  map[string]*buffer
	seq     uint64

	maxBuffers int
	maxAge     time.Duration
	now        func() time.Time
	logger     logging.Logger
	metrics    *metrics.Pipeline
}

func New(opts Options) *Assembler {
	if opts.MaxBuffers <= 0 {
		opts.MaxBuffers = defaultMaxBuffers
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Assembler{
		buffers:    map[string]*buffer{},
		closed:     map[string]*buffer{},
		maxBuffers: opts.MaxBuffers,
		maxAge:     opts.MaxAge,
		now:        opts.Now,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Add records one partial fragment. A repeated part id replaces the earlier
// fragment in place. When the fragment has no text but carries a delta, the
// delta is appended to the part. It reports false for messages that are not
// partial or have no id.
func (a *Assembler) Add(msg types.CanonicalMessage) bool {
	if !msg.IsPartial || msg.MessageID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	buf, ok := a.buffers[msg.MessageID]
	if !ok {
		buf, ok = a.closed[msg.MessageID]
		if ok {
			delete(a.closed, msg.MessageID)
			a.buffers[msg.MessageID] = buf
		}
	}
	if !ok {
		a.seq++
		buf = &buffer{
			messageID: msg.MessageID,
			sessionID: msg.SessionID,
			seq:       a.seq,
			started:   now,
			byPart:    map[string]int{},
		}
		a.buffers[msg.MessageID] = buf
	}
	buf.updated = now
	if buf.sessionID == "" {
		buf.sessionID = msg.SessionID
	}

	partType := msg.PartType
	if partType == "" {
		partType = types.PartText
	}
	if idx, seen := buf.byPart[msg.PartID]; seen && msg.PartID != "" {
		current := &buf.fragments[idx]
		current.partType = partType
		current.text = nextText(current.text, msg)
	} else {
		if msg.PartID != "" {
			buf.byPart[msg.PartID] = len(buf.fragments)
		}
		buf.fragments = append(buf.fragments, fragment{
			partID:   msg.PartID,
			partType: partType,
			text:     nextText("", msg),
		})
	}

	a.evictLocked(now)
	a.metrics.Buffers(len(a.buffers))
	return true
}

func nextText(previous string, msg types.CanonicalMessage) string {
	if msg.Text != nil && *msg.Text != "" {
		return *msg.Text
	}
	if msg.Delta != "" {
		return previous + msg.Delta
	}
	return previous
}

// Finalize completes the message named by msg.MessageID and drops its
// buffer. Text from the finalize event wins over anything assembled. With no
// server text and no buffer the result has nil text and AssembledFromParts
// set. Finalizing the same id again after more fragments arrive yields the
// full text.
func (a *Assembler) Finalize(msg types.CanonicalMessage) types.CanonicalMessage {
	out := types.CloneMessage(msg)
	out.IsPartial = false

	a.mu.Lock()
	buf, ok := a.buffers[msg.MessageID]
	if ok {
		delete(a.buffers, msg.MessageID)
		if !out.HasText() {
			a.parkLocked(buf)
		}
	}
	count := len(a.buffers)
	a.mu.Unlock()
	a.metrics.Buffers(count)

	if out.HasText() {
		return out
	}
	out.AssembledFromParts = true
	if !ok {
		out.Text = nil
		return out
	}
	text, reasoning := buf.join()
	if text != "" {
		out.Text = types.StringPtr(text)
	} else {
		out.Text = nil
	}
	if reasoning != "" {
		out.Reasoning = types.StringPtr(reasoning)
	}
	if out.SessionID == "" {
		out.SessionID = buf.sessionID
	}
	if started := buf.started.UnixMilli(); out.Timestamp == 0 || started < out.Timestamp {
		out.Timestamp = started
	}
	return out
}

// join concatenates fragments by arrival order within each kind. Output and
// text fragments form the body; reasoning is kept apart. Tool and step parts
// carry no display text.
func (b *buffer) join() (string, string) {
	var text, reasoning strings.Builder
	for _, frag := range b.fragments {
		switch frag.partType {
		case types.PartText, types.PartOutput:
			text.WriteString(frag.text)
		case types.PartReasoning:
			reasoning.WriteString(frag.text)
		}
	}
	return text.String(), reasoning.String()
}

func (a *Assembler) parkLocked(buf *buffer) {
	a.closed[buf.messageID] = buf
	overflow := len(a.closed) - a.maxBuffers
	if overflow <= 0 {
		return
	}
	parked := make([]*buffer, 0, len(a.closed))
	for _, closed := range a.closed {
		parked = append(parked, closed)
	}
	sort.Slice(parked, func(i, j int) bool { return parked[i].seq < parked[j].seq })
	for _, closed := range parked[:overflow] {
		delete(a.closed, closed.messageID)
	}
}

// Pending returns previews for the session in the order streaming started.
func (a *Assembler) Pending(sessionID string) []Preview {
	a.mu.Lock()
	defer a.mu.Unlock()
	bufs := make([]*buffer, 0, len(a.buffers))
	for _, buf := range a.buffers {
		if buf.sessionID == sessionID {
			bufs = append(bufs, buf)
		}
	}
	sort.Slice(bufs, func(i, j int) bool { return bufs[i].seq < bufs[j].seq })
	out := make([]Preview, 0, len(bufs))
	for _, buf := range bufs {
		text, reasoning := buf.join()
		out = append(out, Preview{
			MessageID: buf.messageID,
			SessionID: buf.sessionID,
			Text:      text,
			Reasoning: reasoning,
			StartedAt: buf.started,
			UpdatedAt: buf.updated,
		})
	}
	return out
}

func (a *Assembler) Has(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.buffers[messageID]
	return ok
}

func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// DropSession discards every buffer of the session and returns how many were
// removed.
func (a *Assembler) DropSession(sessionID string) int {
	a.mu.Lock()
	removed := 0
	for id, buf := range a.buffers {
		if buf.sessionID == sessionID {
			delete(a.buffers, id)
			removed++
		}
	}
	for id, buf := range a.closed {
		if buf.sessionID == sessionID {
			delete(a.closed, id)
		}
	}
	count := len(a.buffers)
	a.mu.Unlock()
	a.metrics.Evicted(evictSession, removed)
	a.metrics.Buffers(count)
	return removed
}

func (a *Assembler) Reset() {
	a.mu.Lock()
	removed := len(a.buffers)
	a.buffers = map[string]*buffer{}
	a.closed = map[string]*buffer{}
	a.mu.Unlock()
	a.metrics.Evicted(evictReset, removed)
	a.metrics.Buffers(0)
}

// Sweep evicts buffers idle for longer than the max age.
func (a *Assembler) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := a.evictLocked(a.now())
	a.metrics.Buffers(len(a.buffers))
	return removed
}

func (a *Assembler) evictLocked(now time.Time) int {
	removed := 0
	expired := 0
	for id, buf := range a.buffers {
		if now.Sub(buf.updated) > a.maxAge {
			delete(a.buffers, id)
			expired++
		}
	}
	if expired > 0 {
		a.metrics.Evicted(evictAge, expired)
		a.logger.Warn("partial buffers expired", logging.F("count", expired), logging.F("max_age", a.maxAge))
	}
	removed += expired
	for id, buf := range a.closed {
		if now.Sub(buf.updated) > a.maxAge {
			delete(a.closed, id)
		}
	}

	overflow := len(a.buffers) - a.maxBuffers
	if overflow <= 0 {
		return removed
	}
	oldest := make([]*buffer, 0, len(a.buffers))
	for _, buf := range a.buffers {
		oldest = append(oldest, buf)
	}
	sort.Slice(oldest, func(i, j int) bool { return oldest[i].seq < oldest[j].seq })
	for _, buf := range oldest[:overflow] {
		delete(a.buffers, buf.messageID)
	}
	a.metrics.Evicted(evictCapacity, overflow)
	a.logger.Warn("partial buffers over capacity", logging.F("evicted", overflow), logging.F("max_buffers", a.maxBuffers))
	return removed + overflow
}
