// This package provides per-key exclusion domains. Holders of different keys never contend, waiters for the
// same key queue cooperatively and give up when their context is done.
package keylock

import (
	"context"
	"sync"
	"time"

	"github.com/meow-io/go-meshsync/ids"
	"go.uber.org/zap"
)

type entry struct {
	sem     chan struct{}
	waiters int
}

type Locker struct {
	log     *zap.SugaredLogger
	lock    sync.Mutex
	entries map[ids.ID]*entry
}

// Section is handed to the runner while the domain is held. Work registered with AfterRelease runs on the
// calling goroutine once the domain has been released, in registration order.
type Section struct {
	after []func()
}

func (s *Section) AfterRelease(f func()) {
	s.after = append(s.after, f)
}

func New(log *zap.SugaredLogger) *Locker {
	return &Locker{
		log:     log,
		entries: make(map[ids.ID]*entry),
	}
}

func (l *Locker) acquire(ctx context.Context, key ids.ID) error {
	l.lock.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.waiters++
	l.lock.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.done(key, e)
		return ctx.Err()
	}
}

func (l *Locker) release(key ids.ID) {
	l.lock.Lock()
	e := l.entries[key]
	l.lock.Unlock()
	<-e.sem
	l.done(key, e)
}

func (l *Locker) done(key ids.ID, e *entry) {
	l.lock.Lock()
	defer l.lock.Unlock()
	e.waiters--
	if e.waiters == 0 {
		delete(l.entries, key)
	}
}

// Run executes runner while holding the domain for key.
func (l *Locker) Run(ctx context.Context, label string, key ids.ID, runner func(*Section) error) error {
	start := time.Now()
	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	obtained := time.Now()
	s := &Section{}
	err := func() error {
		defer l.release(key)
		return runner(s)
	}()
	l.log.Debugf("completed %s for %s wait=%s exec=%s", label, key, obtained.Sub(start), time.Since(obtained))
	for _, f := range s.after {
		f()
	}
	return err
}
