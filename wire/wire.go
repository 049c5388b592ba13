// This package defines the messages exchanged between peers. Every message travels inside an envelope
// carrying a one byte type and the bencoded body.
package wire

import (
	"fmt"

	"github.com/meow-io/go-meshsync/bencode"
	"github.com/meow-io/go-meshsync/ids"
)

const (
	TypeChunk uint8 = iota + 1
	TypeRangeRequest
	TypeRangeResponse
	TypeHeads
)

type Envelope struct {
	Type uint8  `bencode:"t"`
	Body []byte `bencode:"b"`
}

// Chunk is one bounded slice of a sealed message payload. Checksum covers Payload, Digest covers the whole
// reassembled payload and is identical across the chunks of one message.
type Chunk struct {
	ConversationID ids.ID   `bencode:"c"`
	SenderID       ids.ID   `bencode:"s"`
	Seq            uint64   `bencode:"n"`
	Index          uint32   `bencode:"i"`
	Count          uint32   `bencode:"k"`
	Payload        []byte   `bencode:"p"`
	Checksum       [32]byte `bencode:"h"`
	Digest         [32]byte `bencode:"d"`
}

type RangeRequest struct {
	ConversationID ids.ID `bencode:"c"`
	SenderID       ids.ID `bencode:"s"`
	FromSeq        uint64 `bencode:"f"`
	ToSeq          uint64 `bencode:"t"`
}

// RangeResponse answers a RangeRequest. Available is false when the responder holds none of the range,
// Head is the highest sequence it knows of for the sender.
type RangeResponse struct {
	ConversationID ids.ID   `bencode:"c"`
	SenderID       ids.ID   `bencode:"s"`
	FromSeq        uint64   `bencode:"f"`
	ToSeq          uint64   `bencode:"t"`
	Available      bool     `bencode:"a"`
	Head           uint64   `bencode:"h"`
	Chunks         []*Chunk `bencode:"x"`
}

// Heads advertises the highest sequence known per sender in a conversation.
type Heads struct {
	ConversationID ids.ID            `bencode:"c"`
	Heads          map[ids.ID]uint64 `bencode:"h"`
}

// Sealed is the payload carried by chunks: the encrypted message and the sender's signature over it.
type Sealed struct {
	Epoch      uint64 `bencode:"e"`
	Ciphertext []byte `bencode:"c"`
	Signature  []byte `bencode:"s"`
}

func encode(t uint8, body interface{}) ([]byte, error) {
	b, err := bencode.Serialize(body)
	if err != nil {
		return nil, fmt.Errorf("wire: error encoding body of type %d: %w", t, err)
	}
	return bencode.Serialize(&Envelope{Type: t, Body: b})
}

func EncodeChunk(c *Chunk) ([]byte, error) {
	return encode(TypeChunk, c)
}

func EncodeRangeRequest(r *RangeRequest) ([]byte, error) {
	return encode(TypeRangeRequest, r)
}

func EncodeRangeResponse(r *RangeResponse) ([]byte, error) {
	return encode(TypeRangeResponse, r)
}

func EncodeHeads(h *Heads) ([]byte, error) {
	return encode(TypeHeads, h)
}

func Decode(b []byte) (*Envelope, error) {
	var e Envelope
	if err := bencode.Deserialize(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Envelope) DecodeChunk() (*Chunk, error) {
	var c Chunk
	return &c, e.decode(TypeChunk, &c)
}

func (e *Envelope) DecodeRangeRequest() (*RangeRequest, error) {
	var r RangeRequest
	return &r, e.decode(TypeRangeRequest, &r)
}

func (e *Envelope) DecodeRangeResponse() (*RangeResponse, error) {
	var r RangeResponse
	return &r, e.decode(TypeRangeResponse, &r)
}

func (e *Envelope) DecodeHeads() (*Heads, error) {
	var h Heads
	return &h, e.decode(TypeHeads, &h)
}

func (e *Envelope) decode(t uint8, target interface{}) error {
	if e.Type != t {
		return fmt.Errorf("wire: expected type %d, got %d", t, e.Type)
	}
	return bencode.Deserialize(e.Body, target)
}

func EncodeSealed(s *Sealed) ([]byte, error) {
	return bencode.Serialize(s)
}

func DecodeSealed(b []byte) (*Sealed, error) {
	var s Sealed
	if err := bencode.Deserialize(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
