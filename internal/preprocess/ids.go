package preprocess

import (
	"fmt"
	"hash/fnv"
	"sync"

	"agentfeed/internal/types"
)

// IDs hands out fallback message ids for payloads that carry none. Ids are
// derived from the payload bytes and a per-generator sequence, so the same
// input order yields the same ids and no id is ever handed out twice.
type IDs struct {
	source types.Source
	mu     sync.Mutex
	seq    uint64
}

func NewIDs(source types.Source) *IDs {
	return &IDs{source: source}
}

func (g *IDs) Next(seed []byte) string {
	hash := fnv.New32a()
	_, _ = hash.Write(seed)
	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()
	return fmt.Sprintf("%s-%08x-%d", g.source, hash.Sum32(), seq)
}
