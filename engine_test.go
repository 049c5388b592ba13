package meshsync

import (
	"bytes"
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/delivery"
	"github.com/meow-io/go-meshsync/events"
	"github.com/meow-io/go-meshsync/gaps"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/test"
	"github.com/meow-io/go-meshsync/keys"
	"github.com/meow-io/go-meshsync/mesh"
	"github.com/meow-io/go-meshsync/wire"
	"github.com/stretchr/testify/require"
)

var (
	dbKey          = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	errUnreachable = errors.New("unreachable")
	waitFor        = 10 * time.Second
	tick           = 20 * time.Millisecond
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type recorder struct {
	lock   sync.Mutex
	events []interface{}
}

func record(updates chan interface{}) *recorder {
	r := &recorder{}
	go func() {
		for ev := range updates {
			r.lock.Lock()
			r.events = append(r.events, ev)
			r.lock.Unlock()
		}
	}()
	return r
}

func (r *recorder) delivered(conversationID, senderID ids.ID) []uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]uint64, 0)
	for _, ev := range r.events {
		if d, ok := ev.(*events.MessageDelivered); ok && d.ConversationID == conversationID && d.SenderID == senderID {
			out = append(out, d.Seq)
		}
	}
	return out
}

func (r *recorder) chunkFailures() []*events.ChunkFailure {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]*events.ChunkFailure, 0)
	for _, ev := range r.events {
		if f, ok := ev.(*events.ChunkFailure); ok {
			out = append(out, f)
		}
	}
	return out
}

type testNode struct {
	id     ids.ID
	ring   *keys.Ring
	config *config.Config
	engine *Engine
	link   *testLink
	rec    *recorder
}

// testNetwork connects engines in memory. Every message is handed over on its own goroutine, as a real
// transport would.
type testNetwork struct {
	t        *testing.T
	clock    *test.Clock
	lock     sync.Mutex
	nodes    map[ids.ID]*testNode
	links    map[[2]ids.ID]bool
	secrets  map[ids.ID][]byte
	drop     func(from, to ids.ID, env *wire.Envelope) bool
	inflight sync.WaitGroup
}

type testLink struct {
	n         *testNetwork
	self      ids.ID
	lock      sync.Mutex
	unwatched []ids.ID
}

func (l *testLink) Start() error      { return nil }
func (l *testLink) Shutdown() error   { return nil }
func (l *testLink) Watch(_ ...ids.ID) {}

func (l *testLink) Unwatch(peerID ids.ID) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.unwatched = append(l.unwatched, peerID)
}

func (l *testLink) unwatchedPeers() []ids.ID {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]ids.ID(nil), l.unwatched...)
}

func (l *testLink) Send(peerID ids.ID, body []byte) error {
	n := l.n
	n.lock.Lock()
	to, ok := n.nodes[peerID]
	up := n.links[pair(l.self, peerID)]
	dropped := false
	if ok && up && n.drop != nil {
		env, err := wire.Decode(body)
		dropped = err == nil && n.drop(l.self, peerID, env)
	}
	if ok && up && !dropped {
		n.inflight.Add(1)
	}
	n.lock.Unlock()

	if !ok || !up {
		return errUnreachable
	}
	if dropped {
		return nil
	}
	go func() {
		defer n.inflight.Done()
		_ = to.engine.OnReceive(l.self, body)
	}()
	return nil
}

func pair(a, b ids.ID) [2]ids.ID {
	if ids.Less(b, a) {
		a, b = b, a
	}
	return [2]ids.ID{a, b}
}

func newTestNetwork(t *testing.T) *testNetwork {
	n := &testNetwork{
		t:       t,
		clock:   test.NewClock(),
		nodes:   make(map[ids.ID]*testNode),
		links:   make(map[[2]ids.ID]bool),
		secrets: make(map[ids.ID][]byte),
	}
	t.Cleanup(n.teardown)
	return n
}

func (n *testNetwork) add(name string, opts ...config.Option) *testNode {
	id := ids.NewID()
	ring, err := keys.NewRandomRing(id)
	require.Nil(n.t, err)
	opts = append([]config.Option{
		config.WithRootDir(fmt.Sprintf("test-%s", id)),
		config.WithLoggingPrefix(name),
		config.WithSweepIntervalMs(20),
		config.WithBackfillTimeoutMs(1000),
	}, opts...)
	node := &testNode{id: id, ring: ring, config: config.NewConfig(opts...)}
	n.start(node, true)
	return node
}

func (n *testNetwork) start(node *testNode, initialize bool) {
	node.link = &testLink{n: n, self: node.id}
	e, err := New(node.config, node.id, node.ring, WithTransport(node.link), WithClock(n.clock))
	require.Nil(n.t, err)
	node.engine = e
	node.rec = record(e.Updates())
	if initialize {
		require.Nil(n.t, e.Initialize(dbKey))
	} else {
		require.Nil(n.t, e.Open(dbKey))
	}
	n.lock.Lock()
	n.nodes[node.id] = node
	n.lock.Unlock()
}

// stop isolates a node, waits for what is in flight and shuts it down.
func (n *testNetwork) stop(node *testNode) {
	n.lock.Lock()
	delete(n.nodes, node.id)
	n.lock.Unlock()
	n.inflight.Wait()
	require.Nil(n.t, node.engine.Shutdown())
}

func (n *testNetwork) teardown() {
	n.lock.Lock()
	nodes := make([]*testNode, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	n.nodes = make(map[ids.ID]*testNode)
	n.lock.Unlock()
	n.inflight.Wait()
	for _, node := range nodes {
		if err := node.engine.Shutdown(); err != nil {
			panic(err)
		}
	}
}

func (n *testNetwork) setLink(a, b *testNode, up bool) {
	n.lock.Lock()
	n.links[pair(a.id, b.id)] = up
	n.lock.Unlock()
	s := mesh.Unreachable
	if up {
		s = mesh.Reachable
	}
	a.engine.OnReachabilityChange(b.id, s)
	b.engine.OnReachabilityChange(a.id, s)
}

func (n *testNetwork) connect(a, b *testNode) {
	n.setLink(a, b, true)
}

func (n *testNetwork) disconnect(a, b *testNode) {
	n.setLink(a, b, false)
}

func (n *testNetwork) setDrop(f func(from, to ids.ID, env *wire.Envelope) bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.drop = f
}

// conversation makes every node a member of a new conversation sharing one secret.
func (n *testNetwork) conversation(nodes ...*testNode) ids.ID {
	conversationID := ids.NewID()
	secret := make([]byte, 32)
	_, err := crypto_rand.Read(secret)
	require.Nil(n.t, err)
	n.secrets[conversationID] = secret

	members := make([]Member, 0, len(nodes))
	for _, node := range nodes {
		members = append(members, Member{ID: node.id, VerifyKey: node.ring.PublicKey()})
	}
	for _, node := range nodes {
		require.Nil(n.t, node.ring.SetSecret(conversationID, secret, 0))
		require.Nil(n.t, node.engine.AddConversation(context.Background(), Conversation{ID: conversationID, Members: members}))
	}
	return conversationID
}

func (n *testNetwork) send(node *testNode, conversationID ids.ID, text string) uint64 {
	seq, err := node.engine.Send(context.Background(), conversationID, []byte(text))
	require.Nil(n.t, err)
	return seq
}

func seqs(to uint64) []uint64 {
	out := make([]uint64, 0, to)
	for i := uint64(1); i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func requireDelivered(t *testing.T, node *testNode, conversationID, senderID ids.ID, to uint64) {
	require.Eventually(t, func() bool {
		return len(node.rec.delivered(conversationID, senderID)) >= int(to)
	}, waitFor, tick, "delivery of %d messages from %s", to, senderID)
	require.Equal(t, seqs(to), node.rec.delivered(conversationID, senderID))
}

func TestConvergence(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	a := n.add("a")
	b := n.add("b")
	c := n.add("c")
	conv := n.conversation(a, b, c)
	n.connect(a, b)
	n.connect(b, c)
	n.connect(a, c)

	for i := 0; i < 3; i++ {
		for _, node := range []*testNode{a, b, c} {
			n.send(node, conv, fmt.Sprintf("%s says %d", node.config.LoggingPrefix, i))
		}
	}

	for _, node := range []*testNode{a, b, c} {
		for _, sender := range []*testNode{a, b, c} {
			if sender == node {
				continue
			}
			requireDelivered(t, node, conv, sender.id, 3)
		}
	}

	history, err := c.engine.History(conv, a.id, 1, 3)
	require.Nil(err)
	require.Len(history, 3)
	require.Equal([]byte("a says 0"), history[0].Plaintext)
	require.Equal([]byte("a says 2"), history[2].Plaintext)

	heads, err := b.engine.Heads(context.Background(), conv)
	require.Nil(err)
	require.Equal(map[ids.ID]uint64{a.id: 3, b.id: 3, c.id: 3}, heads)

	// own messages are stored but not delivered back
	require.Len(a.rec.delivered(conv, a.id), 0)
	history, err = a.engine.History(conv, a.id, 1, 3)
	require.Nil(err)
	require.Len(history, 3)
}

func TestBackfillThroughAnotherMember(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	a := n.add("a")
	b := n.add("b")
	c := n.add("c")
	conv := n.conversation(a, b, c)
	n.connect(a, b)

	n.send(a, conv, "one")
	n.send(a, conv, "two")
	requireDelivered(t, b, conv, a.id, 2)
	require.Len(c.rec.delivered(conv, a.id), 0)

	// c never hears from a directly, b relays what it holds
	n.connect(b, c)
	requireDelivered(t, c, conv, a.id, 2)

	missing, err := c.engine.MissingRanges(context.Background(), conv, a.id)
	require.Nil(err)
	require.Len(missing, 0)
}

func TestDroppedMessageIsBackfilled(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	a := n.add("a")
	b := n.add("b")
	conv := n.conversation(a, b)
	n.connect(a, b)

	var lock sync.Mutex
	chunks := 0
	n.setDrop(func(from, _ ids.ID, env *wire.Envelope) bool {
		if from != a.id || env.Type != wire.TypeChunk {
			return false
		}
		lock.Lock()
		defer lock.Unlock()
		chunks++
		return chunks == 2
	})

	n.send(a, conv, "one")
	n.send(a, conv, "two")
	n.send(a, conv, "three")
	requireDelivered(t, b, conv, a.id, 3)

	history, err := b.engine.History(conv, a.id, 2, 2)
	require.Nil(err)
	require.Len(history, 1)
	require.Equal([]byte("two"), history[0].Plaintext)
}

func TestDuplicatesAreDeliveredOnce(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	a := n.add("a")
	b := n.add("b")
	conv := n.conversation(a, b)
	n.connect(a, b)

	var lock sync.Mutex
	var first []byte
	n.setDrop(func(from, _ ids.ID, env *wire.Envelope) bool {
		if from == a.id && env.Type == wire.TypeChunk {
			lock.Lock()
			defer lock.Unlock()
			if first == nil {
				first = env.Body
			}
		}
		return false
	})

	n.send(a, conv, "one")
	requireDelivered(t, b, conv, a.id, 1)

	lock.Lock()
	c, err := (&wire.Envelope{Type: wire.TypeChunk, Body: first}).DecodeChunk()
	lock.Unlock()
	require.Nil(err)
	body, err := wire.EncodeChunk(c)
	require.Nil(err)
	require.Nil(b.engine.OnReceive(a.id, body))
	require.Nil(b.engine.OnReceive(a.id, body))

	n.send(a, conv, "two")
	requireDelivered(t, b, conv, a.id, 2)
}

func TestMalformedInput(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	a := n.add("a")

	require.NotNil(a.engine.OnReceive(ids.NewID(), []byte("garbage")))
	require.Eventually(func() bool {
		a.rec.lock.Lock()
		defer a.rec.lock.Unlock()
		for _, ev := range a.rec.events {
			if _, ok := ev.(*events.Malformed); ok {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestIncompleteChunkSetTimesOut(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	opts := []config.Option{config.WithMaxChunkSize(16), config.WithChunkIdleTimeoutMs(1000)}
	a := n.add("a", opts...)
	b := n.add("b", opts...)
	conv := n.conversation(a, b)
	n.connect(a, b)

	var lock sync.Mutex
	dropped := false
	n.setDrop(func(from, _ ids.ID, env *wire.Envelope) bool {
		if from != a.id || env.Type != wire.TypeChunk {
			return false
		}
		c, err := env.DecodeChunk()
		if err != nil || c.Index != c.Count-1 {
			return false
		}
		lock.Lock()
		defer lock.Unlock()
		if dropped {
			return false
		}
		dropped = true
		return true
	})

	n.send(a, conv, "a message long enough to need several chunks")
	require.Eventually(func() bool {
		return b.engine.buffer.Pending() == 1
	}, waitFor, tick)

	n.clock.AdvanceMs(1001)
	require.Eventually(func() bool {
		return len(b.rec.chunkFailures()) == 1
	}, waitFor, tick)
	f := b.rec.chunkFailures()[0]
	require.Equal(events.IncompleteTimeout, f.Reason)
	require.Equal(uint64(1), f.Seq)
	require.Equal(a.id, f.SenderID)

	// the sequence was left missing and is fetched again
	requireDelivered(t, b, conv, a.id, 1)
	history, err := b.engine.History(conv, a.id, 1, 1)
	require.Nil(err)
	require.Equal([]byte("a message long enough to need several chunks"), history[0].Plaintext)
}

func TestOversizedMessages(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	opts := []config.Option{config.WithMaxMessageSize(1024), config.WithMaxChunkSize(256)}
	a := n.add("a", opts...)
	b := n.add("b", opts...)
	conv := n.conversation(a, b)
	n.connect(a, b)

	_, err := a.engine.Send(context.Background(), conv, bytes.Repeat([]byte("x"), 2048))
	require.ErrorIs(err, ErrMessageTooLarge)
	require.Equal(uint64(1), n.send(a, conv, "hi"))
	requireDelivered(t, b, conv, a.id, 1)

	body, err := wire.EncodeChunk(&wire.Chunk{ConversationID: conv, SenderID: a.id, Seq: 2, Count: 1 << 24})
	require.Nil(err)
	_ = b.engine.OnReceive(a.id, body)
	require.Eventually(func() bool {
		return len(b.rec.chunkFailures()) == 1
	}, waitFor, tick)
	require.Equal(events.IntegrityFailed, b.rec.chunkFailures()[0].Reason)
	require.Equal(0, b.engine.buffer.Pending())
	require.Equal(seqs(1), b.rec.delivered(conv, a.id))
}

func TestLeaveConversation(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	a := n.add("a")
	b := n.add("b")
	conv := n.conversation(a, b)
	n.connect(a, b)

	n.send(a, conv, "one")
	requireDelivered(t, b, conv, a.id, 1)

	require.Nil(b.engine.LeaveConversation(context.Background(), conv))
	require.Len(b.engine.Conversations(), 0)
	require.Equal([]ids.ID{a.id}, b.link.unwatchedPeers())
	_, err := b.engine.Send(context.Background(), conv, []byte("late"))
	require.NotNil(err)

	// traffic for a conversation that was left is ignored
	n.send(a, conv, "two")
	time.Sleep(100 * time.Millisecond)
	require.Equal([]uint64{1}, b.rec.delivered(conv, a.id))

	// leaving again is an error
	require.NotNil(b.engine.LeaveConversation(context.Background(), conv))
}

func TestMemberJoinAndRemoval(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	n := newTestNetwork(t)
	a := n.add("a")
	b := n.add("b")
	conv := n.conversation(a, b)
	n.connect(a, b)

	n.send(a, conv, "before c")

	c := n.add("c")
	require.Nil(c.ring.SetSecret(conv, n.secrets[conv], 0))
	for _, node := range []*testNode{a, b, c} {
		_, err := node.ring.Rotate(conv)
		require.Nil(err)
	}
	require.Nil(c.engine.AddConversation(ctx, Conversation{ID: conv, KeyID: 1, Members: []Member{
		{ID: a.id, VerifyKey: a.ring.PublicKey()},
		{ID: b.id, VerifyKey: b.ring.PublicKey()},
		{ID: c.id, VerifyKey: c.ring.PublicKey()},
	}}))
	for _, node := range []*testNode{a, b} {
		require.Nil(node.engine.OnKeyRotated(ctx, conv, 1))
		require.Nil(node.engine.OnMemberJoined(ctx, conv, Member{ID: c.id, VerifyKey: c.ring.PublicKey()}))
	}
	n.connect(a, c)
	n.connect(b, c)

	n.send(c, conv, "from c")
	requireDelivered(t, a, conv, c.id, 1)
	requireDelivered(t, b, conv, c.id, 1)
	// history from before the join is backfilled too
	requireDelivered(t, c, conv, a.id, 1)

	// a member with a stream start is never asked for what came before it
	d := ids.NewID()
	require.Nil(b.engine.OnMemberJoined(ctx, conv, Member{ID: d, StreamStart: 5}))
	_, err := b.engine.pipeline.ObserveHeads(ctx, conv, map[ids.ID]uint64{d: 7})
	require.Nil(err)
	missing, err := b.engine.MissingRanges(ctx, conv, d)
	require.Nil(err)
	require.Equal([]gaps.Range{{From: 5, To: 7}}, missing)

	conversation, err := b.engine.Conversation(ctx, conv)
	require.Nil(err)
	require.Len(conversation.Members, 4)
	require.Equal(uint64(1), conversation.KeyID)

	require.Nil(b.engine.OnMemberRemoved(ctx, conv, d))
	conversation, err = b.engine.Conversation(ctx, conv)
	require.Nil(err)
	require.Len(conversation.Members, 3)

	// removing the local device leaves
	require.Nil(b.engine.OnMemberRemoved(ctx, conv, b.id))
	require.Len(b.engine.Conversations(), 0)
}

func TestRemovedMemberIsCutOff(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	n := newTestNetwork(t)
	a := n.add("a")
	b := n.add("b")
	c := n.add("c")
	conv := n.conversation(a, b, c)
	n.connect(a, b)
	n.connect(b, c)
	n.connect(a, c)

	n.send(a, conv, "one")
	requireDelivered(t, b, conv, a.id, 1)

	// b misses 2 and a never answers b's requests, so 2 has to come from c once a is removed
	n.setDrop(func(from, to ids.ID, env *wire.Envelope) bool {
		if from != a.id || to != b.id {
			return false
		}
		if env.Type == wire.TypeRangeResponse {
			return true
		}
		if env.Type != wire.TypeChunk {
			return false
		}
		ch, err := env.DecodeChunk()
		return err == nil && ch.Seq == 2
	})
	n.send(a, conv, "two")
	n.send(a, conv, "three")
	requireDelivered(t, c, conv, a.id, 3)
	require.Eventually(func() bool {
		missing, err := b.engine.MissingRanges(ctx, conv, a.id)
		return err == nil && len(missing) == 1 && missing[0] == gaps.Range{From: 2, To: 2}
	}, waitFor, tick)

	require.Nil(b.engine.OnMemberRemoved(ctx, conv, a.id))
	require.Equal([]ids.ID{a.id}, b.link.unwatchedPeers())

	// history from before the removal is still completed
	requireDelivered(t, b, conv, a.id, 3)

	// what a sends afterwards is rejected
	n.send(a, conv, "four")
	requireDelivered(t, c, conv, a.id, 4)
	require.Eventually(func() bool {
		b.rec.lock.Lock()
		defer b.rec.lock.Unlock()
		for _, ev := range b.rec.events {
			if m, ok := ev.(*events.Malformed); ok && errors.Is(m.Err, delivery.ErrNotMember) {
				return true
			}
		}
		return false
	}, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	require.Equal(seqs(3), b.rec.delivered(conv, a.id))
	missing, err := b.engine.MissingRanges(ctx, conv, a.id)
	require.Nil(err)
	require.Empty(missing)
}

func TestKeyRotation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	n := newTestNetwork(t)
	a := n.add("a")
	b := n.add("b")
	conv := n.conversation(a, b)
	n.connect(a, b)

	n.send(a, conv, "epoch zero")
	requireDelivered(t, b, conv, a.id, 1)

	for _, node := range []*testNode{a, b} {
		_, err := node.ring.Rotate(conv)
		require.Nil(err)
		require.Nil(node.engine.OnKeyRotated(ctx, conv, 1))
	}
	n.send(a, conv, "epoch one")
	requireDelivered(t, b, conv, a.id, 2)

	// messages sealed under the earlier key still open
	history, err := b.engine.History(conv, a.id, 1, 2)
	require.Nil(err)
	require.Equal([]byte("epoch zero"), history[0].Plaintext)
	require.Equal([]byte("epoch one"), history[1].Plaintext)

	require.NotNil(b.engine.OnKeyRotated(ctx, conv, 0))
	conversation, err := b.engine.Conversation(ctx, conv)
	require.Nil(err)
	require.Equal(uint64(1), conversation.KeyID)
}

func TestRestartKeepsHistory(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	a := n.add("a")
	b := n.add("b")
	conv := n.conversation(a, b)
	n.connect(a, b)

	n.send(a, conv, "one")
	n.send(a, conv, "two")
	requireDelivered(t, b, conv, a.id, 2)
	n.send(b, conv, "reply")
	requireDelivered(t, a, conv, b.id, 1)

	n.disconnect(a, b)
	n.stop(b)
	n.send(a, conv, "three")

	n.start(b, false)
	require.True(b.engine.Running())
	require.Equal([]ids.ID{conv}, b.engine.Conversations())
	history, err := b.engine.History(conv, a.id, 1, 2)
	require.Nil(err)
	require.Len(history, 2)

	// the local stream continues where it stopped
	seq := n.send(b, conv, "after restart")
	require.Equal(uint64(2), seq)

	n.connect(a, b)
	require.Eventually(func() bool {
		return bytes.Equal(lastDelivered(b.rec, conv, a.id), []byte("three"))
	}, waitFor, tick)
	// nothing delivered before the restart is delivered again
	require.Equal([]uint64{3}, b.rec.delivered(conv, a.id))
	requireDelivered(t, a, conv, b.id, 2)
}

func lastDelivered(r *recorder, conversationID, senderID ids.ID) []byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []byte
	for _, ev := range r.events {
		if d, ok := ev.(*events.MessageDelivered); ok && d.ConversationID == conversationID && d.SenderID == senderID {
			out = d.Plaintext
		}
	}
	return out
}
