package meshsync

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/state"
	"github.com/meow-io/go-meshsync/store"
)

// A member of a conversation. StreamStart, when set, is the first sequence the member's stream has in this
// conversation; nothing before it is ever requested.
type Member struct {
	ID          ids.ID
	VerifyKey   []byte
	StreamStart uint64
}

// A conversation, members in join order.
type Conversation struct {
	ID        ids.ID
	Members   []Member
	KeyID     uint64
	CreatedMs uint64
}

// keys collaborators able to learn verification keys from membership events
type memberKeys interface {
	AddMember(memberID ids.ID, pub ed25519.PublicKey)
}

type forgettingKeys interface {
	Forget(conversationID ids.ID)
}

func (e *Engine) member(m Member) store.Member {
	sm := store.Member{ID: m.ID, VerifyKey: m.VerifyKey, StreamStart: m.StreamStart}
	// our own stream is numbered by the allocator
	if m.ID == e.self {
		sm.StreamStart = 0
	}
	return sm
}

func (e *Engine) learnKey(m Member) {
	mk, ok := e.keys.(memberKeys)
	if !ok || m.ID == e.self || len(m.VerifyKey) == 0 {
		return
	}
	if len(m.VerifyKey) != ed25519.PublicKeySize {
		e.log.Warnf("ignoring verification key of length %d for %s", len(m.VerifyKey), m.ID)
		return
	}
	mk.AddMember(m.ID, ed25519.PublicKey(m.VerifyKey))
}

func (e *Engine) remoteMembers(members []store.Member) []ids.ID {
	out := make([]ids.ID, 0, len(members))
	for _, m := range members {
		if m.ID != e.self {
			out = append(out, m.ID)
		}
	}
	return out
}

// AddConversation starts synchronizing a conversation.
func (e *Engine) AddConversation(ctx context.Context, conv Conversation) error {
	rec := &store.Conversation{ID: conv.ID, KeyID: conv.KeyID, CreatedMs: conv.CreatedMs}
	if rec.CreatedMs == 0 {
		rec.CreatedMs = e.clock.CurrentTimeMs()
	}
	for _, m := range conv.Members {
		rec.Members = append(rec.Members, e.member(m))
		e.learnKey(m)
	}
	if err := e.registry.Add(ctx, rec); err != nil {
		return fmt.Errorf("meshsync: error adding conversation %s: %w", conv.ID, err)
	}

	remote := e.remoteMembers(rec.Members)
	e.mesh.AddConversation(conv.ID, remote)
	e.transport.Watch(remote...)
	for _, c := range e.mesh.Reachable(conv.ID) {
		e.sendHeads(ctx, conv.ID, c.ID)
	}
	e.markDirty(conv.ID)
	return nil
}

// Conversations returns the ids of every conversation being synchronized.
func (e *Engine) Conversations() []ids.ID {
	return e.registry.IDs()
}

// Conversation returns the current members and key identifier of a conversation.
func (e *Engine) Conversation(ctx context.Context, conversationID ids.ID) (*Conversation, error) {
	var out *Conversation
	err := e.registry.With(ctx, conversationID, "read conversation", func(c *state.Conversation, _ *keylock.Section) error {
		out = &Conversation{ID: c.ID, KeyID: c.KeyID, CreatedMs: c.CreatedMs}
		for _, m := range c.Members {
			out.Members = append(out.Members, Member{ID: m.ID, VerifyKey: m.VerifyKey, StreamStart: m.StreamStart})
		}
		return nil
	})
	return out, err
}

// LeaveConversation stops synchronizing a conversation. In-flight requests and partial chunk sets are
// dropped and everything stored for it is deleted.
func (e *Engine) LeaveConversation(ctx context.Context, conversationID ids.ID) error {
	if err := e.registry.Remove(ctx, conversationID); err != nil {
		return fmt.Errorf("meshsync: error leaving %s: %w", conversationID, err)
	}
	e.coordinator.Cancel(conversationID)
	discarded := e.buffer.DiscardConversation(conversationID)
	for _, peerID := range e.mesh.RemoveConversation(conversationID) {
		e.server.Forget(peerID)
		e.transport.Unwatch(peerID)
	}
	if fk, ok := e.keys.(forgettingKeys); ok {
		fk.Forget(conversationID)
	}
	e.dirtyLock.Lock()
	delete(e.dirty, conversationID)
	e.dirtyLock.Unlock()
	e.log.Infof("left %s, discarded %d partial messages", conversationID, discarded)
	return nil
}

// OnMemberJoined adds a member to a conversation. A member joining again replaces its earlier entry.
func (e *Engine) OnMemberJoined(ctx context.Context, conversationID ids.ID, m Member) error {
	sm := e.member(m)
	err := e.registry.With(ctx, conversationID, "member joined", func(c *state.Conversation, _ *keylock.Section) error {
		c.AddMember(sm)
		if err := e.registry.Save(c); err != nil {
			return err
		}
		if sm.StreamStart == 0 && !c.HasStream(sm.ID) {
			return nil
		}
		// a member joining again is accepted past where its stream was closed
		st := c.Stream(sm.ID)
		st.End = 0
		if sm.StreamStart != 0 {
			st.Tracker.StartAt(sm.StreamStart)
		}
		return e.registry.SaveStream(c, sm.ID)
	})
	if err != nil {
		return fmt.Errorf("meshsync: error adding %s to %s: %w", m.ID, conversationID, err)
	}
	e.learnKey(m)
	if m.ID == e.self {
		return nil
	}
	e.transport.Watch(m.ID)
	// a member that is already reachable is announced through the mesh listener
	e.mesh.AddMember(conversationID, m.ID)
	e.markDirty(conversationID)
	return nil
}

// OnMemberRemoved removes a member from a conversation. Removing the local device leaves the conversation.
// Sequences up to the member's head at removal stay part of the history and are still backfilled, anything
// it sends later is rejected.
func (e *Engine) OnMemberRemoved(ctx context.Context, conversationID, memberID ids.ID) error {
	if memberID == e.self {
		return e.LeaveConversation(ctx, conversationID)
	}
	removed := false
	err := e.registry.With(ctx, conversationID, "member removed", func(c *state.Conversation, _ *keylock.Section) error {
		if !c.IsMember(memberID) {
			return nil
		}
		c.CloseStream(memberID)
		removed = c.RemoveMember(memberID)
		if err := e.registry.SaveStream(c, memberID); err != nil {
			return err
		}
		return e.registry.Save(c)
	})
	if err != nil {
		return fmt.Errorf("meshsync: error removing %s from %s: %w", memberID, conversationID, err)
	}
	if !removed {
		return nil
	}
	e.mesh.RemoveMember(conversationID, memberID)
	if len(e.mesh.Conversations(memberID)) == 0 {
		e.server.Forget(memberID)
		e.transport.Unwatch(memberID)
	}
	return nil
}

// OnKeyRotated records the conversation's new key identifier.
func (e *Engine) OnKeyRotated(ctx context.Context, conversationID ids.ID, keyID uint64) error {
	err := e.registry.With(ctx, conversationID, "key rotated", func(c *state.Conversation, _ *keylock.Section) error {
		if keyID < c.KeyID {
			return fmt.Errorf("key id %d is older than %d", keyID, c.KeyID)
		}
		c.KeyID = keyID
		return e.registry.Save(c)
	})
	if err != nil {
		return fmt.Errorf("meshsync: error rotating key of %s: %w", conversationID, err)
	}
	return nil
}
