package backfill

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/meow-io/go-meshsync/chunk"
	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/events"
	"github.com/meow-io/go-meshsync/gaps"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/internal/test"
	"github.com/meow-io/go-meshsync/mesh"
	"github.com/meow-io/go-meshsync/metrics"
	"github.com/meow-io/go-meshsync/state"
	"github.com/meow-io/go-meshsync/store"
	"github.com/meow-io/go-meshsync/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type sent struct {
	peer ids.ID
	req  *wire.RangeRequest
}

type fakeTransport struct {
	lock   sync.Mutex
	sent   []sent
	broken map[ids.ID]bool
}

func (f *fakeTransport) Send(peerID ids.ID, body []byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.broken[peerID] {
		return errors.New("no route")
	}
	env, err := wire.Decode(body)
	if err != nil {
		return err
	}
	req, err := env.DecodeRangeRequest()
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sent{peerID, req})
	return nil
}

func (f *fakeTransport) take() []sent {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

// receiver observes chunks straight into the tracker
type receiver struct {
	registry *state.Registry
}

func (r *receiver) ReceiveChunk(ctx context.Context, peerID ids.ID, c *wire.Chunk) {
	_ = r.registry.With(ctx, c.ConversationID, "test receive", func(conv *state.Conversation, _ *keylock.Section) error {
		conv.Stream(c.SenderID).Tracker.Observe(c.Seq)
		return nil
	})
}

func (r *receiver) ObserveHeads(ctx context.Context, conversationID ids.ID, heads map[ids.ID]uint64) (bool, error) {
	moved := false
	err := r.registry.With(ctx, conversationID, "test heads", func(conv *state.Conversation, _ *keylock.Section) error {
		for s, h := range heads {
			moved = conv.Stream(s).Tracker.ExtendTo(h) || moved
		}
		return nil
	})
	return moved, err
}

type harness struct {
	t           *testing.T
	ctx         context.Context
	config      *config.Config
	clock       *test.Clock
	store       *store.Store
	registry    *state.Registry
	mesh        *mesh.Tracker
	transport   *fakeTransport
	coordinator *Coordinator
	conv        ids.ID
	self        ids.ID
	sender      ids.ID
	a, b        ids.ID

	lock   sync.Mutex
	events []interface{}
}

func newHarness(t *testing.T, opts ...config.Option) *harness {
	require := require.New(t)
	opts = append([]config.Option{config.WithLoggingPrefix("backfill"), config.WithBackfillTimeoutMs(1000), config.WithBackfillRetryCeiling(1)}, opts...)
	c := config.NewConfig(opts...)
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	cl := test.NewClock()
	s, err := store.New(d, cl)
	require.Nil(err)

	h := &harness{
		t:         t,
		ctx:       context.Background(),
		config:    c,
		clock:     cl,
		store:     s,
		mesh:      mesh.New(cl),
		transport: &fakeTransport{broken: make(map[ids.ID]bool)},
		conv:      ids.NewID(),
		self:      ids.ID{0xff},
		sender:    ids.ID{0x50},
		a:         ids.ID{0x10},
		b:         ids.ID{0x20},
	}
	h.registry = state.NewRegistry(c, keylock.New(c.Logger("keylock")), s)
	members := []store.Member{{ID: h.self}, {ID: h.sender}, {ID: h.a}, {ID: h.b}}
	require.Nil(h.registry.Add(h.ctx, &store.Conversation{ID: h.conv, Members: members}))
	h.mesh.AddConversation(h.conv, []ids.ID{h.sender, h.a, h.b})
	h.coordinator = NewCoordinator(c, cl, h.self, h.registry, h.mesh, h.transport, &receiver{h.registry}, metrics.NopMetrics(), h.emit)
	h.mesh.OnChange(func(e mesh.Event) { h.coordinator.HandleReachability(h.ctx, e) })
	return h
}

func (h *harness) emit(e interface{}) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.events = append(h.events, e)
}

func (h *harness) take() []interface{} {
	h.lock.Lock()
	defer h.lock.Unlock()
	out := h.events
	h.events = nil
	return out
}

// observe marks sequences of the sender as received.
func (h *harness) observe(seqs ...uint64) {
	require.Nil(h.t, h.registry.With(h.ctx, h.conv, "test", func(c *state.Conversation, _ *keylock.Section) error {
		for _, n := range seqs {
			c.Stream(h.sender).Tracker.Observe(n)
		}
		return nil
	}))
}

func (h *harness) respond(peer ids.ID, from, to uint64, available bool, seqs ...uint64) {
	resp := &wire.RangeResponse{ConversationID: h.conv, SenderID: h.sender, FromSeq: from, ToSeq: to, Available: available}
	for _, n := range seqs {
		resp.Chunks = append(resp.Chunks, chunk.Split(h.conv, h.sender, n, []byte("x"), 64)...)
	}
	require.Nil(h.t, h.coordinator.HandleResponse(h.ctx, peer, resp))
}

func TestScanPrefersSender(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.mesh.Set(h.a, mesh.Reachable)
	h.clock.AdvanceMs(10)
	h.mesh.Set(h.sender, mesh.Reachable)
	h.take()
	h.transport.take()

	h.observe(1, 2, 4, 5, 9)
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))
	out := h.transport.take()
	require.Len(out, 2)
	for _, s := range out {
		require.Equal(h.sender, s.peer)
	}

	// requests in flight are not repeated
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))
	require.Empty(h.transport.take())

	inflight, err := h.coordinator.InFlight(h.ctx, h.conv)
	require.Nil(err)
	require.Len(inflight, 2)
	require.Equal([]gaps.Range{{3, 3}, {6, 8}}, []gaps.Range{inflight[0].Range, inflight[1].Range})
}

func TestMaxRangeSize(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, config.WithMaxRangeSize(4))
	h.mesh.Set(h.a, mesh.Reachable)
	h.transport.take()

	h.observe(11)
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))
	inflight, err := h.coordinator.InFlight(h.ctx, h.conv)
	require.Nil(err)
	require.Len(inflight, 3)
	require.Equal(gaps.Range{From: 1, To: 4}, inflight[0].Range)
	require.Equal(gaps.Range{From: 9, To: 10}, inflight[2].Range)
	require.Equal(h.a, inflight[0].PeerID)
}

func TestTimeoutRetriesThenGivesUp(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.mesh.Set(h.b, mesh.Reachable)
	h.clock.AdvanceMs(10)
	h.mesh.Set(h.a, mesh.Reachable)
	h.transport.take()
	h.take()

	h.observe(3)
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))
	out := h.transport.take()
	require.Len(out, 1)
	require.Equal(h.b, out[0].peer)

	h.clock.AdvanceMs(999)
	h.coordinator.Sweep(h.ctx)
	require.Empty(h.transport.take())

	h.clock.AdvanceMs(1)
	h.coordinator.Sweep(h.ctx)
	out = h.transport.take()
	require.Len(out, 1)
	require.Equal(h.a, out[0].peer)
	require.Equal(uint64(1), out[0].req.FromSeq)
	require.Equal(uint64(2), out[0].req.ToSeq)

	h.clock.AdvanceMs(1000)
	h.coordinator.Sweep(h.ctx)
	require.Empty(h.transport.take())
	evs := h.take()
	require.Len(evs, 1)
	require.Equal(&events.HistoryIncomplete{ConversationID: h.conv, SenderID: h.sender, Range: gaps.Range{From: 1, To: 2}}, evs[0])
	unrecoverable, err := h.coordinator.Unrecoverable(h.ctx, h.conv, h.sender)
	require.Nil(err)
	require.Equal([]gaps.Range{{1, 2}}, unrecoverable)

	// rescans leave it alone until someone new shows up
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))
	require.Empty(h.transport.take())

	h.mesh.Set(h.sender, mesh.Reachable)
	out = h.transport.take()
	require.Len(out, 1)
	require.Equal(h.sender, out[0].peer)

	h.respond(h.sender, 1, 2, true, 1, 2)
	evs = h.take()
	require.Len(evs, 1)
	require.Equal(&events.HistoryRecovered{ConversationID: h.conv, SenderID: h.sender, Range: gaps.Range{From: 1, To: 2}}, evs[0])
	unrecoverable, err = h.coordinator.Unrecoverable(h.ctx, h.conv, h.sender)
	require.Nil(err)
	require.Empty(unrecoverable)
}

func TestUnreachableExpiresImmediately(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.mesh.Set(h.a, mesh.Reachable)
	h.mesh.Set(h.b, mesh.Reachable)
	h.transport.take()

	h.observe(5)
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))
	out := h.transport.take()
	require.Len(out, 1)
	require.Equal(h.a, out[0].peer)

	h.mesh.Set(h.a, mesh.Unreachable)
	out = h.transport.take()
	require.Len(out, 1)
	require.Equal(h.b, out[0].peer)
	inflight, err := h.coordinator.InFlight(h.ctx, h.conv)
	require.Nil(err)
	require.Len(inflight, 1)
	require.Equal(h.b, inflight[0].PeerID)
	require.Equal(1, inflight[0].Retries)
}

func TestPartialAndUnavailableResponses(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, config.WithBackfillRetryCeiling(3))
	h.mesh.Set(h.a, mesh.Reachable)
	h.mesh.Set(h.b, mesh.Reachable)
	h.transport.take()

	h.observe(6)
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))
	require.Len(h.transport.take(), 1)

	// a holds part of the range
	h.respond(h.a, 1, 5, true, 1, 2, 4)
	out := h.transport.take()
	require.Len(out, 2)
	for _, s := range out {
		require.Equal(h.b, s.peer)
	}
	inflight, err := h.coordinator.InFlight(h.ctx, h.conv)
	require.Nil(err)
	require.Equal([]gaps.Range{{3, 3}, {5, 5}}, []gaps.Range{inflight[0].Range, inflight[1].Range})
	require.Equal(0, inflight[0].Retries)

	h.respond(h.b, 3, 3, true, 3)
	h.respond(h.b, 5, 5, false)
	require.Empty(h.transport.take())
	unrecoverable, err := h.coordinator.Unrecoverable(h.ctx, h.conv, h.sender)
	require.Nil(err)
	require.Equal([]gaps.Range{{5, 5}}, unrecoverable)

	// a response nobody asked for only feeds the receive path
	h.respond(h.a, 5, 5, true, 5)
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))
	unrecoverable, err = h.coordinator.Unrecoverable(h.ctx, h.conv, h.sender)
	require.Nil(err)
	require.Empty(unrecoverable)
}

func TestTransportUnavailable(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.mesh.Set(h.a, mesh.Reachable)
	h.mesh.Set(h.b, mesh.Reachable)
	h.transport.take()
	h.transport.broken[h.a] = true

	h.observe(2)
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))
	out := h.transport.take()
	require.Len(out, 1)
	require.Equal(h.b, out[0].peer)
}

func TestCancel(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.mesh.Set(h.a, mesh.Reachable)
	h.observe(2)
	require.Nil(h.coordinator.Scan(h.ctx, h.conv))

	h.coordinator.Cancel(h.conv)
	inflight, err := h.coordinator.InFlight(h.ctx, h.conv)
	require.Nil(err)
	require.Empty(inflight)
}

func TestServer(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, config.WithServeRate(1, 2), config.WithMaxRangeSize(3), config.WithMaxChunkSize(2))
	server := NewServer(h.config, h.registry, h.store, metrics.NopMetrics())

	for _, n := range []uint64{1, 2, 4} {
		_, err := h.store.InsertIfAbsent(&store.Message{ConversationID: h.conv, SenderID: h.sender, Seq: n, Payload: []byte("abc"), Status: store.MessageComplete})
		require.Nil(err)
	}
	h.observe(1, 2, 4)

	resp, err := server.Serve(h.ctx, h.a, &wire.RangeRequest{ConversationID: h.conv, SenderID: h.sender, FromSeq: 1, ToSeq: 10})
	require.Nil(err)
	require.True(resp.Available)
	require.Equal(uint64(3), resp.ToSeq)
	require.Equal(uint64(4), resp.Head)
	require.Len(resp.Chunks, 4)
	payload, err := chunk.Assemble(resp.Chunks[:2])
	require.Nil(err)
	require.Equal([]byte("abc"), payload)

	resp, err = server.Serve(h.ctx, h.a, &wire.RangeRequest{ConversationID: h.conv, SenderID: h.sender, FromSeq: 5, ToSeq: 6})
	require.Nil(err)
	require.False(resp.Available)
	require.Empty(resp.Chunks)

	// burst of two is spent
	resp, err = server.Serve(h.ctx, h.a, &wire.RangeRequest{ConversationID: h.conv, SenderID: h.sender, FromSeq: 1, ToSeq: 1})
	require.Nil(err)
	require.False(resp.Available)

	_, err = server.Serve(h.ctx, ids.NewID(), &wire.RangeRequest{ConversationID: h.conv, SenderID: h.sender, FromSeq: 1, ToSeq: 1})
	require.ErrorIs(err, ErrNotMember)
	_, err = server.Serve(h.ctx, h.a, &wire.RangeRequest{ConversationID: h.conv, SenderID: h.sender, FromSeq: 3, ToSeq: 1})
	require.ErrorIs(err, ErrInvalidRange)
}
