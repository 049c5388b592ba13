package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-meshsync/chunk"
	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/metrics"
	"github.com/meow-io/go-meshsync/state"
	"github.com/meow-io/go-meshsync/store"
	"github.com/meow-io/go-meshsync/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotMember    = errors.New("backfill: requester is not a member")
	ErrInvalidRange = errors.New("backfill: invalid range")
)

type RangeReader interface {
	MessagesInRange(conversationID, senderID ids.ID, from, to uint64) ([]*store.Message, error)
}

// Server answers range requests from the store. Each peer is rate limited; a limited or unanswerable request
// gets a response with Available unset so the requester moves on to another peer.
type Server struct {
	config   *config.Config
	log      *zap.SugaredLogger
	registry *state.Registry
	storage  RangeReader
	metrics  *metrics.Metrics

	lock     sync.Mutex
	limiters map[ids.ID]*rate.Limiter
}

func NewServer(c *config.Config, registry *state.Registry, storage RangeReader, m *metrics.Metrics) *Server {
	return &Server{
		config:   c,
		log:      c.Logger("backfill:server"),
		registry: registry,
		storage:  storage,
		metrics:  m,
		limiters: make(map[ids.ID]*rate.Limiter),
	}
}

func (s *Server) limiter(peerID ids.ID) *rate.Limiter {
	s.lock.Lock()
	defer s.lock.Unlock()
	l, ok := s.limiters[peerID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.config.ServeRequestsPerSecond), s.config.ServeBurst)
		s.limiters[peerID] = l
	}
	return l
}

// Forget drops the limiter state kept for a peer.
func (s *Server) Forget(peerID ids.ID) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.limiters, peerID)
}

// Serve answers req for peerID. At most MaxRangeSize sequences are answered, the response's ToSeq says how far
// it reaches.
func (s *Server) Serve(ctx context.Context, peerID ids.ID, req *wire.RangeRequest) (*wire.RangeResponse, error) {
	if req.FromSeq == 0 || req.ToSeq < req.FromSeq {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, req.FromSeq, req.ToSeq)
	}
	resp := &wire.RangeResponse{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		FromSeq:        req.FromSeq,
		ToSeq:          req.ToSeq,
	}
	if s.config.MaxRangeSize > 0 && req.ToSeq-req.FromSeq >= s.config.MaxRangeSize {
		resp.ToSeq = req.FromSeq + s.config.MaxRangeSize - 1
	}

	err := s.registry.With(ctx, req.ConversationID, "serve range", func(c *state.Conversation, _ *keylock.Section) error {
		if !c.IsMember(peerID) {
			return ErrNotMember
		}
		if c.HasStream(req.SenderID) {
			resp.Head = c.Stream(req.SenderID).Tracker.Head()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !s.limiter(peerID).Allow() {
		s.log.Debugf("rate limiting %s", peerID)
		s.metrics.ServedRequests.With("result", "limited").Add(1)
		return resp, nil
	}

	messages, err := s.storage.MessagesInRange(req.ConversationID, req.SenderID, resp.FromSeq, resp.ToSeq)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		resp.Chunks = append(resp.Chunks, chunk.Split(m.ConversationID, m.SenderID, m.Seq, m.Payload, s.config.MaxChunkSize)...)
	}
	resp.Available = len(messages) > 0
	if resp.Available {
		s.metrics.ServedRequests.With("result", "served").Add(1)
	} else {
		s.metrics.ServedRequests.With("result", "not_available").Add(1)
	}
	s.log.Debugf("answering %s [%d, %d] for %s with %d messages", req.SenderID, resp.FromSeq, resp.ToSeq, peerID, len(messages))
	return resp, nil
}
