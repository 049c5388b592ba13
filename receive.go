package meshsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-meshsync/backfill"
	"github.com/meow-io/go-meshsync/chunk"
	"github.com/meow-io/go-meshsync/delivery"
	"github.com/meow-io/go-meshsync/events"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/mesh"
	"github.com/meow-io/go-meshsync/state"
	"github.com/meow-io/go-meshsync/wire"
)

// receiver feeds backfill responses into the same receive path as live traffic.
type receiver struct {
	e *Engine
}

func (r *receiver) ReceiveChunk(ctx context.Context, peerID ids.ID, c *wire.Chunk) {
	r.e.receiveChunk(ctx, peerID, c)
}

func (r *receiver) ObserveHeads(ctx context.Context, conversationID ids.ID, heads map[ids.ID]uint64) (bool, error) {
	return r.e.pipeline.ObserveHeads(ctx, conversationID, heads)
}

// OnReceive handles bytes a peer sent. Input that cannot be decoded is reported as Malformed and returned as
// an error.
func (e *Engine) OnReceive(peerID ids.ID, body []byte) error {
	ctx := e.context()
	env, err := wire.Decode(body)
	if err != nil {
		return e.malformed(peerID, fmt.Errorf("meshsync: error decoding envelope: %w", err))
	}

	switch env.Type {
	case wire.TypeChunk:
		c, err := env.DecodeChunk()
		if err != nil {
			return e.malformed(peerID, fmt.Errorf("meshsync: error decoding chunk: %w", err))
		}
		if !e.registry.Has(c.ConversationID) {
			e.log.Debugf("dropping chunk for unknown conversation %s from %s", c.ConversationID, peerID)
			return nil
		}
		e.receiveChunk(ctx, peerID, c)
		return nil
	case wire.TypeRangeRequest:
		req, err := env.DecodeRangeRequest()
		if err != nil {
			return e.malformed(peerID, fmt.Errorf("meshsync: error decoding range request: %w", err))
		}
		return e.serve(ctx, peerID, req)
	case wire.TypeRangeResponse:
		resp, err := env.DecodeRangeResponse()
		if err != nil {
			return e.malformed(peerID, fmt.Errorf("meshsync: error decoding range response: %w", err))
		}
		if err := e.coordinator.HandleResponse(ctx, peerID, resp); err != nil && !errors.Is(err, state.ErrUnknownConversation) {
			return err
		}
		return nil
	case wire.TypeHeads:
		h, err := env.DecodeHeads()
		if err != nil {
			return e.malformed(peerID, fmt.Errorf("meshsync: error decoding heads: %w", err))
		}
		return e.observeHeads(ctx, peerID, h)
	default:
		return e.malformed(peerID, fmt.Errorf("meshsync: unknown message type %d", env.Type))
	}
}

func (e *Engine) malformed(peerID ids.ID, err error) error {
	e.log.Warnf("malformed input from %s: %s", peerID, err)
	e.metrics.Rejected.With("outcome", delivery.Malformed.String()).Add(1)
	e.emit(&events.Malformed{PeerID: peerID, Err: err})
	return err
}

// OnReachabilityChange records the transport's view of a peer.
func (e *Engine) OnReachabilityChange(peerID ids.ID, s mesh.State) {
	if peerID == e.self {
		return
	}
	e.mesh.Set(peerID, s)
}

func (e *Engine) receiveChunk(ctx context.Context, peerID ids.ID, c *wire.Chunk) {
	status, payload, err := e.buffer.Add(peerID, c)
	if err != nil {
		e.chunkFailed(ctx, peerID, chunk.KeyOf(c), err)
		return
	}
	if status != chunk.Complete {
		return
	}

	key := chunk.KeyOf(c)
	outcome, err := e.pipeline.Deliver(ctx, peerID, c.ConversationID, c.SenderID, c.Seq, payload)
	switch {
	case outcome.Rejected():
		// reported by the pipeline, keep the sequence missing and let it be fetched again
		e.buffer.Forget(key)
		e.keepMissing(ctx, key)
	case err != nil:
		e.log.Warnf("error delivering %s: %s", key, err)
		e.buffer.Forget(key)
	case outcome == delivery.Buffered || outcome == delivery.OutOfWindow:
		e.markDirty(c.ConversationID)
	}
}

// chunkFailed reports a discarded chunk set and leaves its sequence missing for backfill.
func (e *Engine) chunkFailed(ctx context.Context, peerID ids.ID, key chunk.Key, err error) {
	reason := events.IncompleteTimeout
	switch {
	case errors.Is(err, chunk.ErrConflictingChunk):
		reason = events.ConflictingChunk
	case errors.Is(err, chunk.ErrIntegrity):
		reason = events.IntegrityFailed
	}
	e.log.Warnf("chunk set %s from %s failed: %s", key, peerID, err)
	e.metrics.ChunkFailures.With("reason", reason.String()).Add(1)
	e.emit(&events.ChunkFailure{
		ConversationID: key.ConversationID,
		SenderID:       key.SenderID,
		PeerID:         peerID,
		Seq:            key.Seq,
		Reason:         reason,
		Err:            err,
	})
	e.buffer.Forget(key)
	e.keepMissing(ctx, key)
}

func (e *Engine) keepMissing(ctx context.Context, key chunk.Key) {
	moved, err := e.pipeline.ObserveHeads(ctx, key.ConversationID, map[ids.ID]uint64{key.SenderID: key.Seq})
	if err != nil {
		if !errors.Is(err, state.ErrUnknownConversation) {
			e.log.Warnf("error recording %s as missing: %s", key, err)
		}
		return
	}
	if moved {
		e.log.Debugf("%s is now known missing", key)
	}
	e.markDirty(key.ConversationID)
}

func (e *Engine) serve(ctx context.Context, peerID ids.ID, req *wire.RangeRequest) error {
	resp, err := e.server.Serve(ctx, peerID, req)
	if err != nil {
		if errors.Is(err, backfill.ErrNotMember) || errors.Is(err, backfill.ErrInvalidRange) || errors.Is(err, state.ErrUnknownConversation) {
			e.log.Warnf("refusing range request from %s: %s", peerID, err)
		}
		return err
	}
	b, err := wire.EncodeRangeResponse(resp)
	if err != nil {
		return fmt.Errorf("meshsync: error encoding range response: %w", err)
	}
	if err := e.transport.Send(peerID, b); err != nil {
		e.log.Debugf("error answering %s: %s", peerID, err)
	}
	return nil
}

// observeHeads applies heads advertised by a member and looks for the gaps they revealed.
func (e *Engine) observeHeads(ctx context.Context, peerID ids.ID, h *wire.Heads) error {
	member := false
	if err := e.registry.With(ctx, h.ConversationID, "check heads sender", func(c *state.Conversation, _ *keylock.Section) error {
		member = c.IsMember(peerID)
		return nil
	}); err != nil {
		if errors.Is(err, state.ErrUnknownConversation) {
			e.log.Debugf("dropping heads for unknown conversation %s from %s", h.ConversationID, peerID)
			return nil
		}
		return err
	}
	if !member {
		e.log.Warnf("dropping heads for %s from non-member %s", h.ConversationID, peerID)
		return nil
	}

	moved, err := e.pipeline.ObserveHeads(ctx, h.ConversationID, h.Heads)
	if err != nil {
		return err
	}
	if moved {
		if err := e.coordinator.Scan(ctx, h.ConversationID); err != nil && !errors.Is(err, state.ErrUnknownConversation) {
			return err
		}
	}
	return nil
}

func (e *Engine) sendHeads(ctx context.Context, conversationID, peerID ids.ID) {
	heads, err := e.pipeline.Heads(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, state.ErrUnknownConversation) {
			e.log.Warnf("error reading heads of %s: %s", conversationID, err)
		}
		return
	}
	if len(heads) == 0 {
		return
	}
	b, err := wire.EncodeHeads(&wire.Heads{ConversationID: conversationID, Heads: heads})
	if err != nil {
		e.log.Warnf("error encoding heads of %s: %s", conversationID, err)
		return
	}
	if err := e.transport.Send(peerID, b); err != nil {
		e.log.Debugf("error sending heads of %s to %s: %s", conversationID, peerID, err)
	}
}

// reachabilityChanged runs for every member transition. Requests to a member that was lost expire at once;
// a member that became reachable learns our heads and gets a chance at what could not be recovered before.
func (e *Engine) reachabilityChanged(ev mesh.Event) {
	e.log.Debugf("%s in %s went from %s to %s", ev.MemberID, ev.ConversationID, ev.From, ev.To)
	e.emit(&events.MemberReachability{
		ConversationID: ev.ConversationID,
		MemberID:       ev.MemberID,
		State:          ev.To,
		Since:          ev.At,
	})
	ctx := e.context()
	e.coordinator.HandleReachability(ctx, ev)
	if ev.BecameReachable() {
		e.sendHeads(ctx, ev.ConversationID, ev.MemberID)
	}
}
