// This package recovers missing history. The Coordinator turns the gap trackers' missing ranges into range
// requests to reachable members, matches the responses and retries or gives up per policy. The Server
// answers other members' range requests from the local store.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/meow-io/go-meshsync/clock"
	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/events"
	"github.com/meow-io/go-meshsync/gaps"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/mesh"
	"github.com/meow-io/go-meshsync/metrics"
	"github.com/meow-io/go-meshsync/state"
	"github.com/meow-io/go-meshsync/wire"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

var ErrTransportUnavailable = errors.New("backfill: transport unavailable")

const sendConcurrency = 8

type Transport interface {
	Send(peerID ids.ID, body []byte) error
}

type Peers interface {
	Reachable(conversationID ids.ID) []mesh.Candidate
}

// Receiver is the receive path responses are fed into.
type Receiver interface {
	ReceiveChunk(ctx context.Context, peerID ids.ID, c *wire.Chunk)
	ObserveHeads(ctx context.Context, conversationID ids.ID, heads map[ids.ID]uint64) (bool, error)
}

// Request is an in-flight range request.
type Request struct {
	ID             uint64
	ConversationID ids.ID
	SenderID       ids.ID
	Range          gaps.Range
	PeerID         ids.ID
	IssuedAt       time.Time
	Deadline       time.Time
	Retries        int

	tried      map[ids.ID]bool
	recovering bool
}

// unrecoverable is a range every reachable peer failed to supply, along with who was asked.
type unrecoverable struct {
	rng   gaps.Range
	tried map[ids.ID]bool
}

type conversation struct {
	inflight      map[ids.ID][]*Request
	unrecoverable map[ids.ID][]*unrecoverable
}

// busy returns the sender's ranges already requested or given up on, coalesced.
func (cs *conversation) busy(sender ids.ID) []gaps.Range {
	var out []gaps.Range
	for _, r := range cs.inflight[sender] {
		out = append(out, r.Range)
	}
	for _, u := range cs.unrecoverable[sender] {
		out = append(out, u.rng)
	}
	return Coalesce(out)
}

func (cs *conversation) remove(req *Request) bool {
	reqs := cs.inflight[req.SenderID]
	for i, r := range reqs {
		if r == req {
			cs.inflight[req.SenderID] = slices.Delete(reqs, i, i+1)
			return true
		}
	}
	return false
}

type Coordinator struct {
	config    *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	self      ids.ID
	registry  *state.Registry
	peers     Peers
	transport Transport
	receiver  Receiver
	metrics   *metrics.Metrics
	emit      func(interface{})

	lock          sync.Mutex
	nextID        uint64
	conversations map[ids.ID]*conversation
}

func NewCoordinator(c *config.Config, cl clock.Clock, self ids.ID, registry *state.Registry, peers Peers, t Transport, r Receiver, m *metrics.Metrics, emit func(interface{})) *Coordinator {
	return &Coordinator{
		config:        c,
		log:           c.Logger("backfill"),
		clock:         cl,
		self:          self,
		registry:      registry,
		peers:         peers,
		transport:     t,
		receiver:      r,
		metrics:       m,
		emit:          emit,
		conversations: make(map[ids.ID]*conversation),
	}
}

func (co *Coordinator) conversation(id ids.ID) *conversation {
	co.lock.Lock()
	defer co.lock.Unlock()
	cs, ok := co.conversations[id]
	if !ok {
		cs = &conversation{
			inflight:      make(map[ids.ID][]*Request),
			unrecoverable: make(map[ids.ID][]*unrecoverable),
		}
		co.conversations[id] = cs
	}
	return cs
}

func (co *Coordinator) conversationIDs() []ids.ID {
	co.lock.Lock()
	defer co.lock.Unlock()
	out := maps.Keys(co.conversations)
	ids.SortLexicographically(out)
	return out
}

func (co *Coordinator) forget(id ids.ID) {
	co.lock.Lock()
	defer co.lock.Unlock()
	if cs, ok := co.conversations[id]; ok {
		for _, us := range cs.unrecoverable {
			co.metrics.UnrecoverableRanges.Add(-float64(len(us)))
		}
	}
	delete(co.conversations, id)
}

// missing returns the sender's currently missing ranges that a response could still fill. Must hold the
// domain.
func (co *Coordinator) missing(st *state.Stream) []gaps.Range {
	ranges := st.Tracker.Missing()
	// anything past the window would be dropped on arrival
	limit := st.Tracker.Highest() + co.config.MaxSequenceGap
	var out []gaps.Range
	for _, r := range ranges {
		if r.From > limit {
			break
		}
		r.To = min(r.To, limit)
		out = append(out, r)
	}
	return out
}

// issue records a request for rng to the best untried peer. It returns nil when there is none. Must hold
// the domain.
func (co *Coordinator) issue(cs *conversation, conversationID, sender ids.ID, rng gaps.Range, tried map[ids.ID]bool, retries int, recovering bool) *Request {
	peer, ok := SelectPeer(co.peers.Reachable(conversationID), co.self, sender, tried)
	if !ok {
		return nil
	}
	co.lock.Lock()
	co.nextID++
	id := co.nextID
	co.lock.Unlock()

	now := co.clock.Now()
	req := &Request{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		Range:          rng,
		PeerID:         peer,
		IssuedAt:       now,
		Deadline:       clock.Deadline(co.clock, co.config.BackfillTimeoutMs),
		Retries:        retries,
		tried:          maps.Clone(tried),
		recovering:     recovering,
	}
	if req.tried == nil {
		req.tried = make(map[ids.ID]bool)
	}
	cs.inflight[sender] = append(cs.inflight[sender], req)
	co.metrics.BackfillRequests.With("result", "issued").Add(1)
	co.log.Debugf("requesting %s %s from %s, retry %d", sender, rng, peer, retries)
	return req
}

// Scan requests every missing range of a conversation not already requested or given up on.
func (co *Coordinator) Scan(ctx context.Context, conversationID ids.ID) error {
	var out []*Request
	err := co.registry.With(ctx, conversationID, "backfill scan", func(c *state.Conversation, _ *keylock.Section) error {
		cs := co.conversation(conversationID)
		var total uint64
		for _, st := range c.Streams() {
			all := st.Tracker.Missing()
			for _, r := range all {
				total += r.Len()
			}
			co.pruneUnrecoverable(conversationID, cs, st.SenderID, all)
			for _, r := range co.missing(st) {
				for _, piece := range Subtract(r, cs.busy(st.SenderID)) {
					for _, part := range Split(piece, co.config.MaxRangeSize) {
						if req := co.issue(cs, conversationID, st.SenderID, part, nil, 0, false); req != nil {
							out = append(out, req)
						}
					}
				}
			}
		}
		co.metrics.MissingSequences.With("conversation", conversationID.String()).Set(float64(total))
		return nil
	})
	if err != nil {
		if errors.Is(err, state.ErrUnknownConversation) {
			co.forget(conversationID)
		}
		return err
	}
	co.send(ctx, out)
	return nil
}

// pruneUnrecoverable drops the parts of unrecoverable ranges that have since been filled. Must hold the
// domain.
func (co *Coordinator) pruneUnrecoverable(conversationID ids.ID, cs *conversation, sender ids.ID, missing []gaps.Range) {
	var kept []*unrecoverable
	for _, u := range cs.unrecoverable[sender] {
		still := Intersect(u.rng, missing)
		recovered := Subtract(u.rng, still)
		for _, r := range recovered {
			co.log.Infof("recovered %s %s", sender, r)
			co.emit(&events.HistoryRecovered{ConversationID: conversationID, SenderID: sender, Range: r})
		}
		for _, r := range still {
			kept = append(kept, &unrecoverable{rng: r, tried: u.tried})
		}
	}
	co.metrics.UnrecoverableRanges.Add(float64(len(kept) - len(cs.unrecoverable[sender])))
	cs.unrecoverable[sender] = kept
}

// reissue re-requests what is still missing of a finished request. It gives up on parts once the retry
// ceiling is passed or no untried peer is reachable. Must hold the domain.
func (co *Coordinator) reissue(c *state.Conversation, cs *conversation, req *Request, retries int) []*Request {
	remaining := Intersect(req.Range, co.missing(c.Stream(req.SenderID)))
	if len(remaining) == 0 {
		co.metrics.BackfillRequests.With("result", "fulfilled").Add(1)
		if req.recovering {
			co.emit(&events.HistoryRecovered{ConversationID: req.ConversationID, SenderID: req.SenderID, Range: req.Range})
		}
		return nil
	}
	tried := maps.Clone(req.tried)
	tried[req.PeerID] = true

	var out []*Request
	for _, r := range remaining {
		if retries > co.config.BackfillRetryCeiling {
			co.giveUp(cs, req, r, tried)
			continue
		}
		next := co.issue(cs, req.ConversationID, req.SenderID, r, tried, retries, req.recovering)
		if next == nil {
			co.giveUp(cs, req, r, tried)
			continue
		}
		out = append(out, next)
	}
	return out
}

func (co *Coordinator) giveUp(cs *conversation, req *Request, r gaps.Range, tried map[ids.ID]bool) {
	co.log.Warnf("giving up on %s %s after asking %d peers", req.SenderID, r, len(tried))
	cs.unrecoverable[req.SenderID] = append(cs.unrecoverable[req.SenderID], &unrecoverable{rng: r, tried: tried})
	co.metrics.BackfillRequests.With("result", "unrecoverable").Add(1)
	co.metrics.UnrecoverableRanges.Add(1)
	co.emit(&events.HistoryIncomplete{ConversationID: req.ConversationID, SenderID: req.SenderID, Range: r})
}

// fail ends req unsuccessfully and retries it elsewhere.
func (co *Coordinator) fail(ctx context.Context, req *Request, result string, cause error) {
	co.log.Debugf("request %d for %s %s to %s failed: %s", req.ID, req.SenderID, req.Range, req.PeerID, cause)
	var out []*Request
	err := co.registry.With(ctx, req.ConversationID, "backfill retry", func(c *state.Conversation, _ *keylock.Section) error {
		cs := co.conversation(req.ConversationID)
		if !cs.remove(req) {
			return nil
		}
		co.metrics.BackfillRequests.With("result", result).Add(1)
		out = co.reissue(c, cs, req, req.Retries+1)
		return nil
	})
	if err != nil {
		co.log.Debugf("error retrying request %d: %s", req.ID, err)
		return
	}
	co.send(ctx, out)
}

// send transmits requests outside of any domain. A request the transport cannot deliver is retried
// against another peer.
func (co *Coordinator) send(ctx context.Context, reqs []*Request) {
	if len(reqs) == 0 {
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(sendConcurrency)
	for _, req := range reqs {
		g.Go(func() error {
			b, err := wire.EncodeRangeRequest(&wire.RangeRequest{
				ConversationID: req.ConversationID,
				SenderID:       req.SenderID,
				FromSeq:        req.Range.From,
				ToSeq:          req.Range.To,
			})
			if err == nil {
				err = co.transport.Send(req.PeerID, b)
			}
			if err != nil {
				co.fail(ctx, req, "transport_unavailable", fmt.Errorf("%w: %w", ErrTransportUnavailable, err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// HandleResponse feeds a range response into the receive path and settles the matching request.
func (co *Coordinator) HandleResponse(ctx context.Context, peerID ids.ID, resp *wire.RangeResponse) error {
	for _, c := range resp.Chunks {
		if c.ConversationID != resp.ConversationID || c.SenderID != resp.SenderID || c.Seq < resp.FromSeq || c.Seq > resp.ToSeq {
			co.log.Warnf("dropping chunk %s/%d outside response %d-%d from %s", c.SenderID, c.Seq, resp.FromSeq, resp.ToSeq, peerID)
			continue
		}
		co.receiver.ReceiveChunk(ctx, peerID, c)
	}
	if resp.Head > 0 {
		if _, err := co.receiver.ObserveHeads(ctx, resp.ConversationID, map[ids.ID]uint64{resp.SenderID: resp.Head}); err != nil {
			return err
		}
	}

	var out []*Request
	err := co.registry.With(ctx, resp.ConversationID, "backfill response", func(c *state.Conversation, _ *keylock.Section) error {
		cs := co.conversation(resp.ConversationID)
		var req *Request
		for _, r := range cs.inflight[resp.SenderID] {
			if r.PeerID == peerID && r.Range.From == resp.FromSeq {
				req = r
				break
			}
		}
		if req == nil {
			co.log.Debugf("no request matches response for %s from %d by %s", resp.SenderID, resp.FromSeq, peerID)
			return nil
		}
		cs.remove(req)

		remaining := Intersect(req.Range, co.missing(c.Stream(req.SenderID)))
		switch {
		case len(remaining) == 0:
			out = co.reissue(c, cs, req, req.Retries)
		case !resp.Available || Subtract(req.Range, remaining) == nil:
			co.metrics.BackfillRequests.With("result", "not_available").Add(1)
			out = co.reissue(c, cs, req, req.Retries+1)
		default:
			co.metrics.BackfillRequests.With("result", "partial").Add(1)
			out = co.reissue(c, cs, req, req.Retries)
		}
		return nil
	})
	if err != nil {
		return err
	}
	co.send(ctx, out)
	return nil
}

// Sweep expires requests past their deadline.
func (co *Coordinator) Sweep(ctx context.Context) {
	now := co.clock.Now()
	for _, convID := range co.conversationIDs() {
		co.expire(ctx, convID, func(r *Request) bool { return !now.Before(r.Deadline) })
	}
}

func (co *Coordinator) expire(ctx context.Context, conversationID ids.ID, match func(*Request) bool) {
	var out []*Request
	err := co.registry.With(ctx, conversationID, "backfill expire", func(c *state.Conversation, _ *keylock.Section) error {
		cs := co.conversation(conversationID)
		for _, sender := range maps.Keys(cs.inflight) {
			for _, r := range slices.Clone(cs.inflight[sender]) {
				if !match(r) {
					continue
				}
				co.log.Debugf("request %d for %s %s to %s expired", r.ID, r.SenderID, r.Range, r.PeerID)
				cs.remove(r)
				co.metrics.BackfillRequests.With("result", "expired").Add(1)
				out = append(out, co.reissue(c, cs, r, r.Retries+1)...)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, state.ErrUnknownConversation) {
			co.forget(conversationID)
		}
		return
	}
	co.send(ctx, out)
}

// HandleReachability reacts to a member's reachability changing. Requests to a member that became
// unreachable expire at once. A member becoming reachable gets another chance at the ranges that were
// given up on: all of its own stream, and others' it was not yet asked for.
func (co *Coordinator) HandleReachability(ctx context.Context, e mesh.Event) {
	switch {
	case e.LostReachability():
		co.expire(ctx, e.ConversationID, func(r *Request) bool { return r.PeerID == e.MemberID })
	case e.BecameReachable():
		co.retryUnrecoverable(ctx, e.ConversationID, e.MemberID)
		if err := co.Scan(ctx, e.ConversationID); err != nil && !errors.Is(err, state.ErrUnknownConversation) {
			co.log.Warnf("error scanning %s: %s", e.ConversationID, err)
		}
	}
}

func (co *Coordinator) retryUnrecoverable(ctx context.Context, conversationID, member ids.ID) {
	var out []*Request
	err := co.registry.With(ctx, conversationID, "backfill retry unrecoverable", func(c *state.Conversation, _ *keylock.Section) error {
		cs := co.conversation(conversationID)
		for _, sender := range maps.Keys(cs.unrecoverable) {
			var kept []*unrecoverable
			for _, u := range cs.unrecoverable[sender] {
				if sender != member && u.tried[member] {
					kept = append(kept, u)
					continue
				}
				tried := maps.Clone(u.tried)
				delete(tried, member)
				req := co.issue(cs, conversationID, sender, u.rng, tried, 0, true)
				if req == nil {
					kept = append(kept, u)
					continue
				}
				co.metrics.UnrecoverableRanges.Add(-1)
				out = append(out, req)
			}
			cs.unrecoverable[sender] = kept
		}
		return nil
	})
	if err != nil {
		return
	}
	co.send(ctx, out)
}

// Cancel drops every request and unrecoverable range of a conversation.
func (co *Coordinator) Cancel(conversationID ids.ID) {
	co.forget(conversationID)
}

// InFlight returns a copy of the conversation's in-flight requests.
func (co *Coordinator) InFlight(ctx context.Context, conversationID ids.ID) ([]Request, error) {
	var out []Request
	err := co.registry.With(ctx, conversationID, "backfill in flight", func(*state.Conversation, *keylock.Section) error {
		cs := co.conversation(conversationID)
		for _, reqs := range cs.inflight {
			for _, r := range reqs {
				out = append(out, *r)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b Request) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, err
}

// Unrecoverable returns the ranges of a sender currently given up on.
func (co *Coordinator) Unrecoverable(ctx context.Context, conversationID, sender ids.ID) ([]gaps.Range, error) {
	var out []gaps.Range
	err := co.registry.With(ctx, conversationID, "backfill unrecoverable", func(*state.Conversation, *keylock.Section) error {
		for _, u := range co.conversation(conversationID).unrecoverable[sender] {
			out = append(out, u.rng)
		}
		return nil
	})
	return out, err
}
