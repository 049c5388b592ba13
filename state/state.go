// This package owns the per-conversation state that the allocator, the delivery pipeline and the backfill
// coordinator share: members, the key identifier and one sequence stream per sender. All access goes through
// Registry.With, which holds the conversation's exclusion domain for the duration of the call.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/gaps"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/store"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

var ErrUnknownConversation = errors.New("state: unknown conversation")

type Storage interface {
	SaveConversation(c *store.Conversation) error
	Conversations() ([]*store.Conversation, error)
	DeleteConversation(id ids.ID) error
	Cursors(conversationID ids.ID) ([]*store.Cursor, error)
	SaveCursor(c *store.Cursor) error
}

// Stream is the sequence state of one sender within a conversation.
type Stream struct {
	SenderID     ids.ID
	NextToAssign uint64
	Tracker      *gaps.Tracker
	// one past the last sequence accepted once the sender is no longer a member, zero while open
	End uint64
	// messages opened ahead of the watermark, waiting to be emitted in order
	held map[uint64]Held
}

type Held struct {
	Plaintext []byte
	ArrivalMs uint64
}

func (s *Stream) Hold(seq uint64, h Held) {
	s.held[seq] = h
}

// TakeHeld removes and returns a held message.
func (s *Stream) TakeHeld(seq uint64) (Held, bool) {
	h, ok := s.held[seq]
	delete(s.held, seq)
	return h, ok
}

type Conversation struct {
	ID        ids.ID
	Members   []store.Member
	KeyID     uint64
	CreatedMs uint64

	window  uint64
	streams map[ids.ID]*Stream
}

func (c *Conversation) Member(id ids.ID) (store.Member, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return store.Member{}, false
}

func (c *Conversation) IsMember(id ids.ID) bool {
	_, ok := c.Member(id)
	return ok
}

// AddMember appends or replaces a member, keeping join order.
func (c *Conversation) AddMember(m store.Member) {
	for i := range c.Members {
		if c.Members[i].ID == m.ID {
			c.Members[i] = m
			return
		}
	}
	c.Members = append(c.Members, m)
}

func (c *Conversation) RemoveMember(id ids.ID) bool {
	for i := range c.Members {
		if c.Members[i].ID == id {
			c.Members = append(c.Members[:i], c.Members[i+1:]...)
			return true
		}
	}
	return false
}

// HasStream reports whether the sender has ever had a stream here, which stays true after removal so the
// history it sent can still be completed.
func (c *Conversation) HasStream(sender ids.ID) bool {
	_, ok := c.streams[sender]
	return ok
}

// LastAccepted caps n to the highest sequence accepted from sender. Members are not capped; a removed sender
// is capped below the end recorded when its stream was closed. It returns false when nothing is accepted.
func (c *Conversation) LastAccepted(sender ids.ID, n uint64) (uint64, bool) {
	if c.IsMember(sender) {
		return n, true
	}
	s, ok := c.streams[sender]
	if !ok || s.End <= 1 {
		return 0, false
	}
	return min(n, s.End-1), true
}

// Accepts reports whether seq from sender belongs to the conversation's history.
func (c *Conversation) Accepts(sender ids.ID, seq uint64) bool {
	n, ok := c.LastAccepted(sender, seq)
	return ok && n == seq
}

// CloseStream stops accepting sequences from sender past its current head. It must run while the sender is
// still a member so the stream starts where the member's did.
func (c *Conversation) CloseStream(sender ids.ID) {
	s := c.Stream(sender)
	s.End = s.Tracker.Head() + 1
}

// Stream returns the stream for sender, creating it from the member's stream start when absent.
func (c *Conversation) Stream(sender ids.ID) *Stream {
	if s, ok := c.streams[sender]; ok {
		return s
	}
	start := uint64(1)
	if m, ok := c.Member(sender); ok && m.StreamStart > 0 {
		start = m.StreamStart
	}
	s := &Stream{
		SenderID:     sender,
		NextToAssign: 1,
		Tracker:      gaps.New(start, c.window),
		held:         make(map[uint64]Held),
	}
	c.streams[sender] = s
	return s
}

func (c *Conversation) Streams() []*Stream {
	senders := maps.Keys(c.streams)
	ids.SortLexicographically(senders)
	out := make([]*Stream, len(senders))
	for i, s := range senders {
		out[i] = c.streams[s]
	}
	return out
}

// Cursor snapshots a stream in its persisted form.
func (c *Conversation) Cursor(sender ids.ID) *store.Cursor {
	s := c.Stream(sender)
	return &store.Cursor{
		ConversationID: c.ID,
		SenderID:       sender,
		NextToAssign:   s.NextToAssign,
		Highest:        s.Tracker.Highest(),
		Head:           s.Tracker.Head(),
		Sparse:         s.Tracker.SparseBitmap(),
		End:            s.End,
	}
}

// Restore replaces a stream's state with a persisted cursor, dropping anything held.
func (c *Conversation) Restore(cur *store.Cursor) {
	next := cur.NextToAssign
	if next == 0 {
		next = cur.Highest + 1
	}
	c.streams[cur.SenderID] = &Stream{
		SenderID:     cur.SenderID,
		NextToAssign: next,
		Tracker:      gaps.Restore(cur.Highest, cur.Head, cur.Sparse, c.window),
		End:          cur.End,
		held:         make(map[uint64]Held),
	}
}

func (c *Conversation) record() *store.Conversation {
	members := make([]store.Member, len(c.Members))
	copy(members, c.Members)
	return &store.Conversation{ID: c.ID, Members: members, KeyID: c.KeyID, CreatedMs: c.CreatedMs}
}

type Registry struct {
	config        *config.Config
	log           *zap.SugaredLogger
	locker        *keylock.Locker
	storage       Storage
	lock          sync.RWMutex
	conversations map[ids.ID]*Conversation
}

func NewRegistry(c *config.Config, locker *keylock.Locker, storage Storage) *Registry {
	return &Registry{
		config:        c,
		log:           c.Logger("state"),
		locker:        locker,
		storage:       storage,
		conversations: make(map[ids.ID]*Conversation),
	}
}

func (r *Registry) newConversation(rec *store.Conversation) *Conversation {
	members := make([]store.Member, len(rec.Members))
	copy(members, rec.Members)
	return &Conversation{
		ID:        rec.ID,
		Members:   members,
		KeyID:     rec.KeyID,
		CreatedMs: rec.CreatedMs,
		window:    r.config.MaxSequenceGap,
		streams:   make(map[ids.ID]*Stream),
	}
}

// Load reads every stored conversation and its cursors.
func (r *Registry) Load() ([]*store.Conversation, error) {
	recs, err := r.storage.Conversations()
	if err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, rec := range recs {
		c := r.newConversation(rec)
		cursors, err := r.storage.Cursors(rec.ID)
		if err != nil {
			return nil, err
		}
		for _, cur := range cursors {
			c.Restore(cur)
		}
		r.conversations[rec.ID] = c
		r.log.Debugf("loaded conversation %s with %d members and %d streams", rec.ID, len(c.Members), len(cursors))
	}
	return recs, nil
}

// Add registers and persists a conversation. Adding a known conversation is an error.
func (r *Registry) Add(ctx context.Context, rec *store.Conversation) error {
	return r.locker.Run(ctx, "add conversation", rec.ID, func(*keylock.Section) error {
		r.lock.RLock()
		_, exists := r.conversations[rec.ID]
		r.lock.RUnlock()
		if exists {
			return fmt.Errorf("state: conversation %s already exists", rec.ID)
		}
		c := r.newConversation(rec)
		for _, m := range c.Members {
			if m.StreamStart > 0 {
				c.Stream(m.ID)
			}
		}
		if err := r.storage.SaveConversation(c.record()); err != nil {
			return err
		}
		for _, s := range c.streams {
			if err := r.storage.SaveCursor(c.Cursor(s.SenderID)); err != nil {
				return err
			}
		}
		r.lock.Lock()
		r.conversations[rec.ID] = c
		r.lock.Unlock()
		return nil
	})
}

// Remove forgets a conversation and deletes everything stored for it.
func (r *Registry) Remove(ctx context.Context, id ids.ID) error {
	return r.locker.Run(ctx, "remove conversation", id, func(*keylock.Section) error {
		r.lock.Lock()
		_, ok := r.conversations[id]
		delete(r.conversations, id)
		r.lock.Unlock()
		if !ok {
			return ErrUnknownConversation
		}
		return r.storage.DeleteConversation(id)
	})
}

// With runs f while holding the conversation's exclusion domain.
func (r *Registry) With(ctx context.Context, id ids.ID, label string, f func(*Conversation, *keylock.Section) error) error {
	return r.locker.Run(ctx, label, id, func(s *keylock.Section) error {
		r.lock.RLock()
		c, ok := r.conversations[id]
		r.lock.RUnlock()
		if !ok {
			return ErrUnknownConversation
		}
		return f(c, s)
	})
}

// Save persists the conversation record. Call within With.
func (r *Registry) Save(c *Conversation) error {
	return r.storage.SaveConversation(c.record())
}

// SaveStream persists one stream's cursor. Call within With.
func (r *Registry) SaveStream(c *Conversation, sender ids.ID) error {
	return r.storage.SaveCursor(c.Cursor(sender))
}

func (r *Registry) IDs() []ids.ID {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := maps.Keys(r.conversations)
	ids.SortLexicographically(out)
	return out
}

func (r *Registry) Has(id ids.ID) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.conversations[id]
	return ok
}
