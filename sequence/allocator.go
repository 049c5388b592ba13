// This package assigns outgoing sequence numbers. Each conversation and sending device has its own counter,
// starting at 1, and a number is persisted as used before it is handed out so it is never reused, not even
// across restarts.
package sequence

import (
	"context"
	"fmt"

	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/state"
	"go.uber.org/zap"
)

// CommitFunc persists whatever was produced for seq, including the conversation's cursor for self. It runs
// inside the conversation's exclusion domain.
type CommitFunc func(seq uint64, c *state.Conversation, s *keylock.Section) error

type Allocator struct {
	log      *zap.SugaredLogger
	self     ids.ID
	registry *state.Registry
}

func NewAllocator(c *config.Config, self ids.ID, registry *state.Registry) *Allocator {
	return &Allocator{
		log:      c.Logger("sequence"),
		self:     self,
		registry: registry,
	}
}

// Allocate assigns the next sequence number in conversationID. Callers are serialized per conversation. When
// commit is nil only the cursor is persisted. If commit fails the number is released again, which is safe
// since nothing about it was stored and no other allocation could run in between.
func (a *Allocator) Allocate(ctx context.Context, conversationID ids.ID, commit CommitFunc) (uint64, error) {
	var seq uint64
	err := a.registry.With(ctx, conversationID, "allocate", func(c *state.Conversation, s *keylock.Section) error {
		snapshot := c.Cursor(a.self)
		stream := c.Stream(a.self)
		seq = stream.NextToAssign
		stream.NextToAssign++

		var err error
		if commit == nil {
			err = a.registry.SaveStream(c, a.self)
		} else {
			err = commit(seq, c, s)
		}
		if err != nil {
			c.Restore(snapshot)
			return fmt.Errorf("sequence: error persisting %d: %w", seq, err)
		}
		a.log.Debugf("assigned %d in %s", seq, conversationID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}
