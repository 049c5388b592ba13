// This package turns reassembled payloads into application deliveries. A payload is opened (decoded,
// decrypted, signature checked), deduplicated against the store, persisted together with the sender's
// cursor and observed by the gap tracker. Deliveries are emitted per sender in sequence order once
// contiguous; anything ahead of a gap is held until the gap closes.
package delivery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meow-io/go-meshsync/clock"
	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/crypto"
	"github.com/meow-io/go-meshsync/events"
	"github.com/meow-io/go-meshsync/gaps"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/keys"
	"github.com/meow-io/go-meshsync/metrics"
	"github.com/meow-io/go-meshsync/state"
	"github.com/meow-io/go-meshsync/store"
	"github.com/meow-io/go-meshsync/wire"
	"go.uber.org/zap"
)

var (
	ErrDecryptionFailed = errors.New("delivery: decryption failed")
	ErrSignatureInvalid = errors.New("delivery: signature invalid")
	ErrMalformed        = errors.New("delivery: malformed payload")
	ErrNotMember        = errors.New("delivery: sender is not a member")
)

type Outcome int

const (
	Delivered Outcome = iota
	// Buffered means the message was stored but is held behind a gap.
	Buffered
	Duplicate
	// OutOfWindow means the message was too far ahead to keep. Its sequence is now known missing.
	OutOfWindow
	DecryptionFailed
	SignatureInvalid
	Malformed
	NotMember
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case OutOfWindow:
		return "out-of-window"
	case DecryptionFailed:
		return "decryption-failed"
	case SignatureInvalid:
		return "signature-invalid"
	case Malformed:
		return "malformed"
	case NotMember:
		return "not-member"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Rejected reports whether the message was withheld and its sequence left missing.
func (o Outcome) Rejected() bool {
	return o >= DecryptionFailed
}

type Keys interface {
	Key(conversationID ids.ID, epoch uint64) keys.Result
	Verify(memberID ids.ID, signature, data []byte) bool
}

type Signer interface {
	Sign(data []byte) []byte
}

type Storage interface {
	Deliver(m *store.Message, c *store.Cursor) (bool, error)
	MessagesInRange(conversationID, senderID ids.ID, from, to uint64) ([]*store.Message, error)
	SaveCursor(c *store.Cursor) error
}

func u64(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

// AssociatedData binds a ciphertext to its position in the conversation.
func AssociatedData(conversationID, senderID ids.ID, seq uint64) []byte {
	return crypto.Concat(conversationID[:], senderID[:], u64(seq))
}

// SignedData is what a sender signs for each message.
func SignedData(conversationID, senderID ids.ID, seq, epoch uint64, ciphertext []byte) []byte {
	return crypto.Concat(conversationID[:], senderID[:], u64(seq), u64(epoch), ciphertext)
}

// Seal encrypts plaintext under key and signs the result, producing the payload that is chunked and sent.
func Seal(key keys.Key, signer Signer, senderID ids.ID, seq uint64, plaintext []byte) ([]byte, error) {
	ciphertext, err := crypto.EncryptWithKey(key.Material, plaintext, AssociatedData(key.ConversationID, senderID, seq))
	if err != nil {
		return nil, fmt.Errorf("delivery: error encrypting: %w", err)
	}
	return wire.EncodeSealed(&wire.Sealed{
		Epoch:      key.Epoch,
		Ciphertext: ciphertext,
		Signature:  signer.Sign(SignedData(key.ConversationID, senderID, seq, key.Epoch, ciphertext)),
	})
}

type Pipeline struct {
	config   *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	registry *state.Registry
	keys     Keys
	storage  Storage
	metrics  *metrics.Metrics
	emit     func(interface{})
}

// New makes a pipeline. emit must not block, it is called while a conversation's domain is held so that
// deliveries leave in order.
func New(c *config.Config, cl clock.Clock, registry *state.Registry, k Keys, s Storage, m *metrics.Metrics, emit func(interface{})) *Pipeline {
	return &Pipeline{
		config:   c,
		log:      c.Logger("delivery"),
		clock:    cl,
		registry: registry,
		keys:     k,
		storage:  s,
		metrics:  m,
		emit:     emit,
	}
}

// Open decodes, decrypts and verifies a sealed payload without touching any state.
func (p *Pipeline) Open(conversationID, senderID ids.ID, seq uint64, payload []byte) ([]byte, Outcome, error) {
	sealed, err := wire.DecodeSealed(payload)
	if err != nil {
		return nil, Malformed, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	res := p.keys.Key(conversationID, sealed.Epoch)
	switch res.Status {
	case keys.Found:
	case keys.NotFound:
		return nil, DecryptionFailed, fmt.Errorf("%w: no key for epoch %d", ErrDecryptionFailed, sealed.Epoch)
	default:
		return nil, DecryptionFailed, fmt.Errorf("%w: key for epoch %d is %s", ErrDecryptionFailed, sealed.Epoch, res.Status)
	}
	plaintext, err := crypto.DecryptWithKey(res.Key.Material, sealed.Ciphertext, AssociatedData(conversationID, senderID, seq))
	if err != nil {
		return nil, DecryptionFailed, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if p.config.RequireSignatures && !p.keys.Verify(senderID, sealed.Signature, SignedData(conversationID, senderID, seq, sealed.Epoch, sealed.Ciphertext)) {
		return nil, SignatureInvalid, ErrSignatureInvalid
	}
	return plaintext, Delivered, nil
}

// Deliver runs a reassembled payload received from peer through the pipeline. A rejected payload is reported
// on the event channel and returned with its outcome and error; the store and gap state are untouched.
func (p *Pipeline) Deliver(ctx context.Context, peerID, conversationID, senderID ids.ID, seq uint64, payload []byte) (Outcome, error) {
	if seq == 0 {
		err := fmt.Errorf("%w: sequence 0", ErrMalformed)
		p.reject(peerID, conversationID, senderID, seq, Malformed, err)
		return Malformed, err
	}
	plaintext, outcome, err := p.Open(conversationID, senderID, seq, payload)
	if err != nil {
		p.reject(peerID, conversationID, senderID, seq, outcome, err)
		return outcome, err
	}

	err = p.registry.With(ctx, conversationID, "deliver", func(c *state.Conversation, _ *keylock.Section) error {
		if !c.Accepts(senderID, seq) {
			outcome = NotMember
			return nil
		}
		st := c.Stream(senderID)
		if st.Tracker.Received(seq) {
			outcome = Duplicate
			return nil
		}
		snapshot := c.Cursor(senderID)
		prev := st.Tracker.Highest()
		observed := st.Tracker.Observe(seq)
		if observed == gaps.OutOfWindow {
			outcome = OutOfWindow
			if err := p.storage.SaveCursor(c.Cursor(senderID)); err != nil {
				c.Restore(snapshot)
				return err
			}
			return nil
		}

		now := p.clock.CurrentTimeMs()
		m := &store.Message{
			ConversationID: conversationID,
			SenderID:       senderID,
			Seq:            seq,
			Payload:        payload,
			ArrivalMs:      now,
			Status:         store.MessageComplete,
		}
		inserted, err := p.storage.Deliver(m, c.Cursor(senderID))
		if err != nil {
			c.Restore(snapshot)
			return err
		}
		switch {
		case !inserted:
			outcome = Duplicate
		case observed == gaps.Buffered:
			outcome = Buffered
			st.Hold(seq, state.Held{Plaintext: plaintext, ArrivalMs: now})
			return nil
		default:
			outcome = Delivered
		}
		if observed == gaps.Advanced {
			st.Hold(seq, state.Held{Plaintext: plaintext, ArrivalMs: now})
			p.flush(conversationID, st, prev+1)
		}
		return nil
	})
	if err != nil {
		return outcome, fmt.Errorf("delivery: error delivering %s/%d: %w", senderID, seq, err)
	}

	switch outcome {
	case NotMember:
		p.reject(peerID, conversationID, senderID, seq, outcome, ErrNotMember)
		return outcome, ErrNotMember
	case Duplicate:
		p.metrics.Duplicates.Add(1)
	case OutOfWindow:
		p.log.Debugf("%s/%d is past the window, fetching later", senderID, seq)
	}
	return outcome, nil
}

// flush emits every message from `from` up to the watermark. Messages held in memory are used when present,
// anything else was stored before a restart and is opened again from the store. Must hold the domain.
func (p *Pipeline) flush(conversationID ids.ID, st *state.Stream, from uint64) {
	to := st.Tracker.Highest()
	var stored map[uint64]*store.Message
	for seq := from; seq <= to; seq++ {
		h, ok := st.TakeHeld(seq)
		if !ok {
			if stored == nil {
				stored = p.load(conversationID, st.SenderID, seq, to)
			}
			m, ok := stored[seq]
			if !ok {
				p.log.Warnf("%s/%d is below the watermark but not stored", st.SenderID, seq)
				continue
			}
			plaintext, _, err := p.Open(conversationID, st.SenderID, seq, m.Payload)
			if err != nil {
				p.log.Warnf("stored message %s/%d no longer opens: %s", st.SenderID, seq, err)
				continue
			}
			h = state.Held{Plaintext: plaintext, ArrivalMs: m.ArrivalMs}
		}
		p.emit(&events.MessageDelivered{
			ConversationID: conversationID,
			SenderID:       st.SenderID,
			Seq:            seq,
			Plaintext:      h.Plaintext,
			ArrivalMs:      h.ArrivalMs,
		})
		p.metrics.Delivered.Add(1)
	}
}

func (p *Pipeline) load(conversationID, senderID ids.ID, from, to uint64) map[uint64]*store.Message {
	out := make(map[uint64]*store.Message)
	messages, err := p.storage.MessagesInRange(conversationID, senderID, from, to)
	if err != nil {
		p.log.Warnf("error loading %s [%d, %d]: %s", senderID, from, to, err)
		return out
	}
	for _, m := range messages {
		out[m.Seq] = m
	}
	return out
}

func (p *Pipeline) reject(peerID, conversationID, senderID ids.ID, seq uint64, outcome Outcome, err error) {
	p.log.Warnf("rejected %s/%s/%d from %s: %s", conversationID, senderID, seq, peerID, err)
	p.metrics.Rejected.With("outcome", outcome.String()).Add(1)
	switch outcome {
	case DecryptionFailed:
		p.emit(&events.SecurityEvent{ConversationID: conversationID, SenderID: senderID, PeerID: peerID, Seq: seq, Reason: events.DecryptionFailed, Err: err})
	case SignatureInvalid:
		p.emit(&events.SecurityEvent{ConversationID: conversationID, SenderID: senderID, PeerID: peerID, Seq: seq, Reason: events.SignatureInvalid, Err: err})
	default:
		p.emit(&events.Malformed{PeerID: peerID, Err: err})
	}
}

// ObserveHeads records that sequences up to each head exist for their senders. Heads of removed senders are
// capped where their stream was closed and unknown senders are ignored. It reports whether any head moved.
func (p *Pipeline) ObserveHeads(ctx context.Context, conversationID ids.ID, heads map[ids.ID]uint64) (bool, error) {
	moved := false
	err := p.registry.With(ctx, conversationID, "observe heads", func(c *state.Conversation, _ *keylock.Section) error {
		for sender, head := range heads {
			head, ok := c.LastAccepted(sender, head)
			if !ok {
				continue
			}
			if !c.Stream(sender).Tracker.ExtendTo(head) {
				continue
			}
			moved = true
			if err := p.storage.SaveCursor(c.Cursor(sender)); err != nil {
				return err
			}
		}
		return nil
	})
	return moved, err
}

// Heads returns the highest sequence known for each sender in a conversation.
func (p *Pipeline) Heads(ctx context.Context, conversationID ids.ID) (map[ids.ID]uint64, error) {
	heads := make(map[ids.ID]uint64)
	err := p.registry.With(ctx, conversationID, "heads", func(c *state.Conversation, _ *keylock.Section) error {
		for _, st := range c.Streams() {
			if h := st.Tracker.Head(); h > 0 {
				heads[st.SenderID] = h
			}
		}
		return nil
	})
	return heads, err
}

// History opens the stored messages of a sender in [from, to].
func (p *Pipeline) History(conversationID, senderID ids.ID, from, to uint64) ([]*events.MessageDelivered, error) {
	messages, err := p.storage.MessagesInRange(conversationID, senderID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]*events.MessageDelivered, 0, len(messages))
	for _, m := range messages {
		plaintext, _, err := p.Open(conversationID, senderID, m.Seq, m.Payload)
		if err != nil {
			return nil, fmt.Errorf("delivery: error opening %s/%d: %w", senderID, m.Seq, err)
		}
		out = append(out, &events.MessageDelivered{
			ConversationID: conversationID,
			SenderID:       senderID,
			Seq:            m.Seq,
			Plaintext:      plaintext,
			ArrivalMs:      m.ArrivalMs,
		})
	}
	return out, nil
}
