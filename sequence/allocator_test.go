package sequence

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/keylock"
	"github.com/meow-io/go-meshsync/internal/test"
	"github.com/meow-io/go-meshsync/state"
	"github.com/meow-io/go-meshsync/store"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type harness struct {
	config   *config.Config
	store    *store.Store
	registry *state.Registry
	self     ids.ID
	conv     ids.ID
}

func newHarness(t *testing.T) *harness {
	c := config.NewConfig(config.WithLoggingPrefix("sequence"))
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	s, err := store.New(d, test.NewClock())
	require.Nil(t, err)
	h := &harness{config: c, store: s, self: ids.NewID(), conv: ids.NewID()}
	h.registry = state.NewRegistry(c, keylock.New(c.Logger("keylock")), s)
	require.Nil(t, h.registry.Add(context.Background(), &store.Conversation{ID: h.conv, Members: []store.Member{{ID: h.self}}}))
	return h
}

func TestConcurrentAllocation(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	a := NewAllocator(h.config, h.self, h.registry)

	var lock sync.Mutex
	var wg sync.WaitGroup
	var got []int
	var errs []error
	for i := 0; i != 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := a.Allocate(context.Background(), h.conv, nil)
			lock.Lock()
			got = append(got, int(seq))
			if err != nil {
				errs = append(errs, err)
			}
			lock.Unlock()
		}()
	}
	wg.Wait()
	require.Empty(errs)

	sort.Ints(got)
	for i := range got {
		require.Equal(i+1, got[i])
	}

	res, err := h.store.LoadCursor(h.conv, h.self)
	require.Nil(err)
	require.Equal(store.Found, res.Status)
	require.Equal(uint64(101), res.Cursor.NextToAssign)
}

func TestSurvivesRestart(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	a := NewAllocator(h.config, h.self, h.registry)
	ctx := context.Background()

	for i := 0; i != 3; i++ {
		_, err := a.Allocate(ctx, h.conv, nil)
		require.Nil(err)
	}

	registry := state.NewRegistry(h.config, keylock.New(h.config.Logger("keylock")), h.store)
	_, err := registry.Load()
	require.Nil(err)
	seq, err := NewAllocator(h.config, h.self, registry).Allocate(ctx, h.conv, nil)
	require.Nil(err)
	require.Equal(uint64(4), seq)
}

func TestFailedCommitReleasesNumber(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	a := NewAllocator(h.config, h.self, h.registry)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := a.Allocate(ctx, h.conv, func(uint64, *state.Conversation, *keylock.Section) error { return boom })
	require.ErrorIs(err, boom)

	seq, err := a.Allocate(ctx, h.conv, func(seq uint64, c *state.Conversation, _ *keylock.Section) error {
		c.Stream(h.self).Tracker.Observe(seq)
		return h.registry.SaveStream(c, h.self)
	})
	require.Nil(err)
	require.Equal(uint64(1), seq)

	_, err = a.Allocate(ctx, ids.NewID(), nil)
	require.ErrorIs(err, state.ErrUnknownConversation)
}
