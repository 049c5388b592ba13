// This package splits sealed message payloads into bounded chunks and reassembles them. Each chunk carries a
// checksum of its own slice and a digest of the whole payload, both sha256.
package chunk

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/wire"
)

var (
	ErrConflictingChunk  = errors.New("chunk: conflicting chunk")
	ErrIncompleteTimeout = errors.New("chunk: incomplete chunk set timed out")
	ErrIntegrity         = errors.New("chunk: integrity check failed")
	ErrIncomplete        = errors.New("chunk: chunk set incomplete")
)

// Key identifies the message a chunk belongs to.
type Key struct {
	ConversationID ids.ID
	SenderID       ids.ID
	Seq            uint64
}

func KeyOf(c *wire.Chunk) Key {
	return Key{c.ConversationID, c.SenderID, c.Seq}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.ConversationID, k.SenderID, k.Seq)
}

// Split cuts payload into chunks of at most maxChunkSize bytes. The same input always yields the same chunks
// and an empty payload yields a single empty chunk.
func Split(conversationID, senderID ids.ID, seq uint64, payload []byte, maxChunkSize int) []*wire.Chunk {
	if maxChunkSize <= 0 {
		panic(fmt.Sprintf("chunk: invalid max chunk size %d", maxChunkSize))
	}
	count := max(1, (len(payload)+maxChunkSize-1)/maxChunkSize)
	digest := sha256.Sum256(payload)
	chunks := make([]*wire.Chunk, count)
	for i := 0; i != count; i++ {
		part := payload[i*maxChunkSize : min(len(payload), (i+1)*maxChunkSize)]
		chunks[i] = &wire.Chunk{
			ConversationID: conversationID,
			SenderID:       senderID,
			Seq:            seq,
			Index:          uint32(i),
			Count:          uint32(count),
			Payload:        part,
			Checksum:       sha256.Sum256(part),
			Digest:         digest,
		}
	}
	return chunks
}

// Validate checks a single chunk in isolation.
func Validate(c *wire.Chunk) error {
	if c.Count == 0 || c.Index >= c.Count {
		return fmt.Errorf("%w: index %d of %d", ErrIntegrity, c.Index, c.Count)
	}
	if sha256.Sum256(c.Payload) != c.Checksum {
		return fmt.Errorf("%w: checksum mismatch for chunk %d of %s", ErrIntegrity, c.Index, KeyOf(c))
	}
	return nil
}

// MaxCount is the most chunks a message of maxMessageSize bytes is split into.
func MaxCount(maxChunkSize, maxMessageSize int) uint32 {
	if maxChunkSize <= 0 || maxMessageSize <= 0 {
		return 1
	}
	return uint32(max(1, (maxMessageSize+maxChunkSize-1)/maxChunkSize))
}

// CheckBounds rejects a chunk carrying more than maxChunkSize bytes or claiming more pieces than a message of
// maxMessageSize needs. It runs before anything is allocated for the chunk's message.
func CheckBounds(c *wire.Chunk, maxChunkSize, maxMessageSize int) error {
	if len(c.Payload) > maxChunkSize {
		return fmt.Errorf("%w: chunk %d of %s carries %d bytes, limit %d", ErrIntegrity, c.Index, KeyOf(c), len(c.Payload), maxChunkSize)
	}
	if limit := MaxCount(maxChunkSize, maxMessageSize); c.Count > limit {
		return fmt.Errorf("%w: %s claims %d chunks, limit %d", ErrIntegrity, KeyOf(c), c.Count, limit)
	}
	return nil
}

// Assemble joins the chunks of one message. Every index must be present, byte-identical duplicates are
// ignored and any other disagreement between chunks is ErrConflictingChunk.
func Assemble(chunks []*wire.Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, ErrIncomplete
	}
	first := chunks[0]
	parts := make([][]byte, first.Count)
	for _, c := range chunks {
		if err := Validate(c); err != nil {
			return nil, err
		}
		if KeyOf(c) != KeyOf(first) || c.Count != first.Count || c.Digest != first.Digest {
			return nil, fmt.Errorf("%w: chunk %d disagrees with chunk %d of %s", ErrConflictingChunk, c.Index, first.Index, KeyOf(first))
		}
		if parts[c.Index] != nil {
			if !bytes.Equal(parts[c.Index], c.Payload) {
				return nil, fmt.Errorf("%w: chunk %d of %s", ErrConflictingChunk, c.Index, KeyOf(c))
			}
			continue
		}
		parts[c.Index] = nonNil(c.Payload)
	}
	return join(parts, first.Digest)
}

func join(parts [][]byte, digest [32]byte) ([]byte, error) {
	size := 0
	for i, p := range parts {
		if p == nil {
			return nil, fmt.Errorf("%w: missing chunk %d", ErrIncomplete, i)
		}
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	if sha256.Sum256(out) != digest {
		return nil, fmt.Errorf("%w: digest mismatch", ErrIntegrity)
	}
	return out, nil
}

// present and empty are different states for a part
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
