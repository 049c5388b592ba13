package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/stretchr/testify/require"
)

func newLocker() *Locker {
	return New(config.NewConfig().Logger("keylock"))
}

func TestSameKeyIsExclusive(t *testing.T) {
	require := require.New(t)
	l := newLocker()
	key := ids.NewID()

	var wg sync.WaitGroup
	inside := 0
	maxInside := 0
	var counterLock sync.Mutex
	for i := 0; i != 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.Nil(l.Run(context.Background(), "count", key, func(*Section) error {
				counterLock.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				counterLock.Unlock()
				time.Sleep(time.Millisecond)
				counterLock.Lock()
				inside--
				counterLock.Unlock()
				return nil
			}))
		}()
	}
	wg.Wait()
	require.Equal(1, maxInside)
	require.Len(l.entries, 0)
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	require := require.New(t)
	l := newLocker()
	a := ids.NewID()
	b := ids.NewID()

	held := make(chan bool)
	finished := make(chan bool)
	go func() {
		_ = l.Run(context.Background(), "hold a", a, func(*Section) error {
			held <- true
			<-finished
			return nil
		})
	}()
	<-held
	require.Nil(l.Run(context.Background(), "use b", b, func(*Section) error { return nil }))
	close(finished)
}

func TestCancelledWaiter(t *testing.T) {
	require := require.New(t)
	l := newLocker()
	key := ids.NewID()

	held := make(chan bool)
	finished := make(chan bool)
	go func() {
		_ = l.Run(context.Background(), "hold", key, func(*Section) error {
			held <- true
			<-finished
			return nil
		})
	}()
	<-held
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Run(ctx, "wait", key, func(*Section) error { return nil })
	require.ErrorIs(err, context.DeadlineExceeded)
	close(finished)
}

func TestAfterReleaseRunsOutsideDomain(t *testing.T) {
	require := require.New(t)
	l := newLocker()
	key := ids.NewID()

	order := []string{}
	require.Nil(l.Run(context.Background(), "outer", key, func(s *Section) error {
		s.AfterRelease(func() {
			require.Nil(l.Run(context.Background(), "inner", key, func(*Section) error {
				order = append(order, "inner")
				return nil
			}))
		})
		order = append(order, "outer")
		return nil
	}))
	require.Equal([]string{"outer", "inner"}, order)
}
