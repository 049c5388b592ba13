package chunk

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meow-io/go-meshsync/clock"
	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/wire"
	"go.uber.org/zap"
)

type Status int

const (
	Incomplete Status = iota
	Complete
	// AlreadyComplete means the message was reassembled recently and the chunk was dropped.
	AlreadyComplete
)

// Failure is an assembly that was given up, either through conflict, idle timeout or eviction.
type Failure struct {
	Key    Key
	PeerID ids.ID
	Err    error
}

type assembly struct {
	count  uint32
	digest [32]byte
	parts  [][]byte
	have   uint32
	peer   ids.ID
	lastAt time.Time
}

// Buffer collects chunks until a message is whole. Assemblies that stop receiving chunks are expired after
// the configured idle timeout.
type Buffer struct {
	config    *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	lock      sync.Mutex
	pending   map[Key]*assembly
	evicted   []Failure
	completed *lru.Cache[Key, struct{}]
}

func NewBuffer(c *config.Config, cl clock.Clock) (*Buffer, error) {
	completed, err := lru.New[Key, struct{}](c.CompletedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("chunk: error making completed cache: %w", err)
	}
	return &Buffer{
		config:    c,
		log:       c.Logger("chunk"),
		clock:     cl,
		pending:   make(map[Key]*assembly),
		completed: completed,
	}, nil
}

// Add buffers a chunk received from peer. It returns the payload when the chunk completes its message. An
// invalid or oversized chunk is rejected without touching the assembly; a conflicting one discards the
// assembly.
func (b *Buffer) Add(peer ids.ID, c *wire.Chunk) (Status, []byte, error) {
	if err := CheckBounds(c, b.config.MaxChunkSize, b.config.MaxMessageSize); err != nil {
		return Incomplete, nil, err
	}
	if err := Validate(c); err != nil {
		return Incomplete, nil, err
	}
	key := KeyOf(c)

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.completed.Contains(key) {
		return AlreadyComplete, nil, nil
	}
	a, ok := b.pending[key]
	if !ok {
		if c.Count == 1 {
			payload, err := join([][]byte{nonNil(c.Payload)}, c.Digest)
			if err != nil {
				return Incomplete, nil, err
			}
			b.completed.Add(key, struct{}{})
			return Complete, payload, nil
		}
		b.makeRoom()
		a = &assembly{count: c.Count, digest: c.Digest, parts: make([][]byte, c.Count), peer: peer}
		b.pending[key] = a
	}
	a.lastAt = b.clock.Now()

	if a.count != c.Count || a.digest != c.Digest {
		delete(b.pending, key)
		return Incomplete, nil, fmt.Errorf("%w: %s changed shape", ErrConflictingChunk, key)
	}
	if existing := a.parts[c.Index]; existing != nil {
		if bytes.Equal(existing, c.Payload) {
			return Incomplete, nil, nil
		}
		delete(b.pending, key)
		return Incomplete, nil, fmt.Errorf("%w: chunk %d of %s", ErrConflictingChunk, c.Index, key)
	}
	a.parts[c.Index] = nonNil(c.Payload)
	a.have++
	if a.have != a.count {
		return Incomplete, nil, nil
	}

	delete(b.pending, key)
	payload, err := join(a.parts, a.digest)
	if err != nil {
		return Incomplete, nil, err
	}
	b.completed.Add(key, struct{}{})
	return Complete, payload, nil
}

// makeRoom evicts the longest idle assembly when the buffer is full. Must hold lock.
func (b *Buffer) makeRoom() {
	if b.config.MaxPendingAssemblies <= 0 || len(b.pending) < b.config.MaxPendingAssemblies {
		return
	}
	var oldest Key
	var oldestAt time.Time
	first := true
	for k, a := range b.pending {
		if first || a.lastAt.Before(oldestAt) {
			oldest, oldestAt, first = k, a.lastAt, false
		}
	}
	b.log.Warnf("evicting assembly %s, %d pending", oldest, len(b.pending))
	b.evicted = append(b.evicted, Failure{Key: oldest, PeerID: b.pending[oldest].peer, Err: ErrIncompleteTimeout})
	delete(b.pending, oldest)
}

// Expire discards assemblies idle for longer than the chunk idle timeout, along with any evicted since the
// last call, and returns them.
func (b *Buffer) Expire(now time.Time) []Failure {
	b.lock.Lock()
	defer b.lock.Unlock()

	out := b.evicted
	b.evicted = nil
	cutoff := now.Add(-time.Duration(b.config.ChunkIdleTimeoutMs) * time.Millisecond)
	for k, a := range b.pending {
		if a.lastAt.Before(cutoff) {
			b.log.Debugf("assembly %s idle since %s, %d of %d chunks", k, a.lastAt, a.have, a.count)
			out = append(out, Failure{Key: k, PeerID: a.peer, Err: ErrIncompleteTimeout})
			delete(b.pending, k)
		}
	}
	return out
}

// Forget drops the completed marker for key so the message can be reassembled again, used when a
// reassembled payload was rejected downstream.
func (b *Buffer) Forget(key Key) {
	b.completed.Remove(key)
}

// DiscardConversation drops all pending assemblies and completed markers of a conversation.
func (b *Buffer) DiscardConversation(conversationID ids.ID) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	n := 0
	for k := range b.pending {
		if k.ConversationID == conversationID {
			delete(b.pending, k)
			n++
		}
	}
	for _, k := range b.completed.Keys() {
		if k.ConversationID == conversationID {
			b.completed.Remove(k)
		}
	}
	return n
}

func (b *Buffer) Pending() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.pending)
}
