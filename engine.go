// This package provides the synchronization engine for multi-member conversations. It assigns sequence
// numbers to outgoing messages, chunks and seals them, reassembles and delivers incoming ones, tracks gaps
// per sender and backfills them from reachable members so that every member converges on the same gapless
// history. Application-visible results, including every loss or tampering, are published on Updates().
package meshsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/meow-io/go-meshsync/backfill"
	"github.com/meow-io/go-meshsync/chunk"
	"github.com/meow-io/go-meshsync/clock"
	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/delivery"
	"github.com/meow-io/go-meshsync/events"
	"github.com/meow-io/go-meshsync/gaps"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/db"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/keys"
	"github.com/meow-io/go-meshsync/mesh"
	"github.com/meow-io/go-meshsync/metrics"
	"github.com/meow-io/go-meshsync/sequence"
	"github.com/meow-io/go-meshsync/state"
	"github.com/meow-io/go-meshsync/store"
	"github.com/meow-io/go-meshsync/transport"
	"github.com/meow-io/go-meshsync/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// Constants for engine state.
	StateNew = iota
	StateInitialized
	StateRunning
)

const (
	sendConcurrency = 8
	scanConcurrency = 4
)

// ErrMessageTooLarge is returned by Send when the sealed message exceeds the configured maximum size.
var ErrMessageTooLarge = errors.New("meshsync: message too large")

// An event indicating a change in the state of the engine.
type AppState struct {
	State int
}

// Keys is the key and identity collaborator. It supplies the conversation keys, signs for the local device
// and verifies other members' signatures.
type Keys interface {
	CurrentKey(conversationID ids.ID) keys.Result
	Key(conversationID ids.ID, epoch uint64) keys.Result
	Verify(memberID ids.ID, signature, data []byte) bool
	Sign(data []byte) []byte
}

// Transport delivers bytes to peers. Received bytes and reachability changes are reported back through the
// engine's OnReceive and OnReachabilityChange.
type Transport interface {
	Start() error
	Shutdown() error
	Send(peerID ids.ID, body []byte) error
	Watch(peerIDs ...ids.ID)
	Unwatch(peerID ids.ID)
}

type Option func(*Engine)

func WithClock(cl clock.Clock) Option {
	return func(e *Engine) {
		e.clock = cl
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTransport replaces the LAN transport the engine otherwise starts for itself.
func WithTransport(t Transport) Option {
	return func(e *Engine) {
		e.transport = t
	}
}

type Engine struct {
	DB *db.Database

	config  *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	self    ids.ID
	keys    Keys
	state   int
	metrics *metrics.Metrics

	store       *store.Store
	registry    *state.Registry
	allocator   *sequence.Allocator
	buffer      *chunk.Buffer
	mesh        *mesh.Tracker
	pipeline    *delivery.Pipeline
	coordinator *backfill.Coordinator
	server      *backfill.Server
	transport   Transport

	updates    chan interface{}
	queueLock  sync.Mutex
	queue      []interface{}
	queued     chan struct{}
	dirtyLock  sync.Mutex
	dirty      map[ids.ID]bool
	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// New makes an engine for the local device self, keeping its data under the configured root directory.
func New(c *config.Config, self ids.ID, k Keys, opts ...Option) (*Engine, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making engine for %s, using root path of %s", self, c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	e := &Engine{
		DB:      d,
		config:  c,
		log:     log,
		clock:   clock.NewSystemClock(),
		self:    self,
		keys:    k,
		state:   state,
		metrics: metrics.NopMetrics(),
		updates: make(chan interface{}, c.EventBufferSize),
		queued:  make(chan struct{}, 1),
		dirty:   make(map[ids.ID]bool),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Engine) Self() ids.ID {
	return e.self
}

// Updates returns the channel application events are published on, in the order they were raised.
func (e *Engine) Updates() chan interface{} {
	return e.updates
}

func (e *Engine) New() bool {
	return e.state == StateNew
}

func (e *Engine) Initialized() bool {
	return e.state == StateInitialized
}

func (e *Engine) Running() bool {
	return e.state == StateRunning
}

// Initialize creates the database with key and starts the engine.
func (e *Engine) Initialize(key []byte) error {
	if e.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := e.DB.Initialize(key); err != nil {
		return err
	}
	e.setState(StateInitialized)
	return e.open(key)
}

// Open an existing engine with a given key.
func (e *Engine) Open(key []byte) error {
	return e.open(key)
}

func (e *Engine) open(key []byte) error {
	if e.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}
	if err := e.DB.Open(key); err != nil {
		return err
	}

	s, err := store.New(e.DB, e.clock)
	if err != nil {
		return err
	}
	e.store = s
	e.registry = state.NewRegistry(e.config, keylock.New(e.config.Logger("keylock")), s)
	e.allocator = sequence.NewAllocator(e.config, e.self, e.registry)
	buffer, err := chunk.NewBuffer(e.config, e.clock)
	if err != nil {
		return err
	}
	e.buffer = buffer
	e.mesh = mesh.New(e.clock)
	if e.transport == nil {
		t, err := transport.NewManager(e.config, e.DB, e.clock, e.self, e)
		if err != nil {
			return err
		}
		e.transport = t
	}
	e.pipeline = delivery.New(e.config, e.clock, e.registry, e.keys, s, e.metrics, e.emit)
	e.coordinator = backfill.NewCoordinator(e.config, e.clock, e.self, e.registry, e.mesh, e.transport, &receiver{e}, e.metrics, e.emit)
	e.server = backfill.NewServer(e.config, e.registry, s, e.metrics)

	recs, err := e.registry.Load()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		remote := e.remoteMembers(rec.Members)
		e.mesh.AddConversation(rec.ID, remote)
		e.transport.Watch(remote...)
		e.markDirty(rec.ID)
	}
	e.mesh.OnChange(e.reachabilityChanged)

	ctx, cancelFunc := context.WithCancel(context.Background())
	e.ctx = ctx
	e.cancelFunc = cancelFunc
	e.startUpdatePassing(ctx)
	if err := e.transport.Start(); err != nil {
		cancelFunc()
		e.finished.Wait()
		return err
	}
	e.startSweeper(ctx)
	e.setState(StateRunning)
	return nil
}

func (e *Engine) Shutdown() error {
	if e.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	e.cancelFunc()
	if err := e.transport.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	e.finished.Wait()
	if err := e.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	e.cancelFunc = nil
	e.setState(StateInitialized)
	close(e.updates)
	e.updates = make(chan interface{}, e.config.EventBufferSize)
	return nil
}

func (e *Engine) setState(state int) {
	e.state = state
	e.emit(&AppState{state})
}

func (e *Engine) context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// emit queues an event for the updates channel. It never blocks, so it is safe to call while a conversation
// is held.
func (e *Engine) emit(ev interface{}) {
	e.queueLock.Lock()
	e.queue = append(e.queue, ev)
	e.queueLock.Unlock()
	select {
	case e.queued <- struct{}{}:
	default:
	}
}

func (e *Engine) startUpdatePassing(ctx context.Context) {
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.queued:
			}
			e.queueLock.Lock()
			pending := e.queue
			e.queue = nil
			e.queueLock.Unlock()
			for i, ev := range pending {
				e.log.Debugf("passing update: %T", ev)
				select {
				case e.updates <- ev:
				case <-ctx.Done():
					// keep what was not passed for the next open
					e.queueLock.Lock()
					e.queue = append(pending[i:], e.queue...)
					e.queueLock.Unlock()
					return
				}
			}
		}
	}()
}

func (e *Engine) startSweeper(ctx context.Context) {
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		interval := time.Duration(e.config.SweepIntervalMs) * time.Millisecond
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				e.sweep(ctx)
			}
		}
	}()
}

// sweep expires idle chunk sets and overdue range requests, then scans conversations whose gaps changed.
func (e *Engine) sweep(ctx context.Context) {
	for _, f := range e.buffer.Expire(e.clock.Now()) {
		e.chunkFailed(ctx, f.PeerID, f.Key, f.Err)
	}
	e.metrics.PendingAssemblies.Set(float64(e.buffer.Pending()))
	e.coordinator.Sweep(ctx)
	e.scanDirty(ctx)
}

func (e *Engine) markDirty(conversationID ids.ID) {
	e.dirtyLock.Lock()
	defer e.dirtyLock.Unlock()
	e.dirty[conversationID] = true
}

func (e *Engine) scanDirty(ctx context.Context) {
	e.dirtyLock.Lock()
	dirty := e.dirty
	e.dirty = make(map[ids.ID]bool)
	e.dirtyLock.Unlock()
	if len(dirty) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for conversationID := range dirty {
		g.Go(func() error {
			if err := e.coordinator.Scan(gctx, conversationID); err != nil && !errors.Is(err, state.ErrUnknownConversation) {
				e.log.Warnf("error scanning %s: %s", conversationID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Send assigns the next sequence number in a conversation to plaintext, stores the sealed message and sends
// it to every reachable member. Members that miss it recover it through backfill.
func (e *Engine) Send(ctx context.Context, conversationID ids.ID, plaintext []byte) (uint64, error) {
	res := e.keys.CurrentKey(conversationID)
	if res.Status != keys.Found {
		return 0, fmt.Errorf("meshsync: no usable key for %s: %s", conversationID, res.Status)
	}

	seq, err := e.allocator.Allocate(ctx, conversationID, func(seq uint64, c *state.Conversation, s *keylock.Section) error {
		payload, err := delivery.Seal(res.Key, e.keys, e.self, seq, plaintext)
		if err != nil {
			return err
		}
		if len(payload) > e.config.MaxMessageSize {
			return fmt.Errorf("%w: %d bytes sealed, limit %d", ErrMessageTooLarge, len(payload), e.config.MaxMessageSize)
		}
		c.Stream(e.self).Tracker.Observe(seq)
		if _, err := e.store.Deliver(&store.Message{
			ConversationID: conversationID,
			SenderID:       e.self,
			Seq:            seq,
			Payload:        payload,
			ArrivalMs:      e.clock.CurrentTimeMs(),
			Status:         store.MessageComplete,
		}, c.Cursor(e.self)); err != nil {
			return err
		}
		chunks := chunk.Split(conversationID, e.self, seq, payload, e.config.MaxChunkSize)
		// sent once stored and the conversation is free again
		s.AfterRelease(func() { e.broadcast(conversationID, chunks) })
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (e *Engine) broadcast(conversationID ids.ID, chunks []*wire.Chunk) {
	bodies := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		b, err := wire.EncodeChunk(c)
		if err != nil {
			e.log.Warnf("error encoding chunk %d of %s: %s", c.Index, chunk.KeyOf(c), err)
			return
		}
		bodies = append(bodies, b)
	}

	g := new(errgroup.Group)
	g.SetLimit(sendConcurrency)
	for _, peer := range e.mesh.Reachable(conversationID) {
		if peer.ID == e.self {
			continue
		}
		g.Go(func() error {
			for _, b := range bodies {
				if err := e.transport.Send(peer.ID, b); err != nil {
					e.log.Debugf("error sending to %s, leaving it to backfill: %s", peer.ID, err)
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// MissingRanges returns the ranges of a sender's stream not yet received.
func (e *Engine) MissingRanges(ctx context.Context, conversationID, senderID ids.ID) ([]gaps.Range, error) {
	var out []gaps.Range
	err := e.registry.With(ctx, conversationID, "missing ranges", func(c *state.Conversation, _ *keylock.Section) error {
		if c.HasStream(senderID) {
			out = c.Stream(senderID).Tracker.Missing()
		}
		return nil
	})
	return out, err
}

// Unrecoverable returns the ranges of a sender no reachable member could supply so far.
func (e *Engine) Unrecoverable(ctx context.Context, conversationID, senderID ids.ID) ([]gaps.Range, error) {
	return e.coordinator.Unrecoverable(ctx, conversationID, senderID)
}

// InFlight returns the conversation's outstanding range requests.
func (e *Engine) InFlight(ctx context.Context, conversationID ids.ID) ([]backfill.Request, error) {
	return e.coordinator.InFlight(ctx, conversationID)
}

// Heads returns the highest sequence known for each sender of a conversation.
func (e *Engine) Heads(ctx context.Context, conversationID ids.ID) (map[ids.ID]uint64, error) {
	return e.pipeline.Heads(ctx, conversationID)
}

// History returns a sender's stored messages in [from, to], opened.
func (e *Engine) History(conversationID, senderID ids.ID, from, to uint64) ([]*events.MessageDelivered, error) {
	return e.pipeline.History(conversationID, senderID, from, to)
}
