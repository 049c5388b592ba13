// This package defines the events the engine publishes on its updates channel. Any loss, tampering or
// gap in history is reported here.
package events

import (
	"fmt"
	"time"

	"github.com/meow-io/go-meshsync/gaps"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/mesh"
)

// MessageDelivered is emitted once per message, in sequence order per sender.
type MessageDelivered struct {
	ConversationID ids.ID
	SenderID       ids.ID
	Seq            uint64
	Plaintext      []byte
	ArrivalMs      uint64
}

type SecurityReason int

const (
	DecryptionFailed SecurityReason = iota
	SignatureInvalid
)

func (r SecurityReason) String() string {
	switch r {
	case DecryptionFailed:
		return "decryption-failed"
	case SignatureInvalid:
		return "signature-invalid"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// SecurityEvent reports a message withheld because it could not be decrypted or its signature did not
// verify. The sequence stays missing.
type SecurityEvent struct {
	ConversationID ids.ID
	SenderID       ids.ID
	PeerID         ids.ID
	Seq            uint64
	Reason         SecurityReason
	Err            error
}

type ChunkReason int

const (
	IncompleteTimeout ChunkReason = iota
	ConflictingChunk
	IntegrityFailed
)

func (r ChunkReason) String() string {
	switch r {
	case IncompleteTimeout:
		return "incomplete-timeout"
	case ConflictingChunk:
		return "conflicting-chunk"
	case IntegrityFailed:
		return "integrity-failed"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ChunkFailure reports a chunk set that was discarded. The sequence stays missing.
type ChunkFailure struct {
	ConversationID ids.ID
	SenderID       ids.ID
	PeerID         ids.ID
	Seq            uint64
	Reason         ChunkReason
	Err            error
}

// Malformed reports input from a peer that could not be decoded.
type Malformed struct {
	PeerID ids.ID
	Err    error
}

// HistoryIncomplete reports a range no reachable peer could supply. It is retried when the sender or an
// untried member becomes reachable.
type HistoryIncomplete struct {
	ConversationID ids.ID
	SenderID       ids.ID
	Range          gaps.Range
}

// HistoryRecovered reports that a range previously reported incomplete has been filled.
type HistoryRecovered struct {
	ConversationID ids.ID
	SenderID       ids.ID
	Range          gaps.Range
}

type MemberReachability struct {
	ConversationID ids.ID
	MemberID       ids.ID
	State          mesh.State
	Since          time.Time
}
