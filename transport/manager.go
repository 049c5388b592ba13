// This package tracks which peers can be reached over the available links. It sends through the first link
// that works, passes received bytes on, and runs a periodic preflight that pings watched peers, reporting each
// peer's transitions between unreachable, connecting and reachable.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-meshsync/clock"
	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/ids"
	db "github.com/meow-io/go-meshsync/internal/db"
	"github.com/meow-io/go-meshsync/mesh"
	"github.com/meow-io/go-meshsync/transport/local"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const pingConcurrency = 8

var ErrNoLinks = errors.New("transport: no links")

// Handler receives what the transport learns.
type Handler interface {
	OnReceive(peerID ids.ID, body []byte) error
	OnReachabilityChange(peerID ids.ID, state mesh.State)
}

// Link is one way of reaching peers.
type Link interface {
	Start() error
	Shutdown() error
	Send(peerID ids.ID, body []byte) error
	Ping(ctx context.Context, peerID ids.ID) error
	// Scan discovers peers until ctx is done.
	Scan(ctx context.Context) ([]ids.ID, error)
}

type peer struct {
	state    mesh.State
	lastSeen time.Time
	watched  bool
}

type change struct {
	peerID ids.ID
	state  mesh.State
}

type Manager struct {
	clock      clock.Clock
	config     *config.Config
	log        *zap.SugaredLogger
	self       ids.ID
	handler    Handler
	links      []Link
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc

	lock      sync.Mutex
	peers     map[ids.ID]*peer
	changes   []change
	changed   chan struct{}
	preflight sync.Mutex
}

// NewManager makes a manager over the LAN link.
func NewManager(c *config.Config, d *db.Database, cl clock.Clock, self ids.ID, handler Handler) (*Manager, error) {
	m := newManager(c, cl, self, handler)
	localManager, err := local.NewManager(c, d, self, m.receive)
	if err != nil {
		return nil, err
	}
	m.links = append(m.links, localManager)
	return m, nil
}

func newManager(c *config.Config, cl clock.Clock, self ids.ID, handler Handler, links ...Link) *Manager {
	return &Manager{
		clock:   cl,
		config:  c,
		log:     c.Logger("transport/manager"),
		self:    self,
		handler: handler,
		links:   links,
		peers:   make(map[ids.ID]*peer),
		changed: make(chan struct{}, 1),
	}
}

func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc

	for _, l := range m.links {
		if err := l.Start(); err != nil {
			return err
		}
	}
	m.startChangePassing(ctx)
	m.startPreflightChecker(ctx)
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}

	errs := make([]error, 0)
	for _, l := range m.links {
		if err := l.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("errors encountered during shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// Watch adds peers to the set checked by the preflight.
func (m *Manager) Watch(peerIDs ...ids.ID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, id := range peerIDs {
		if id == m.self {
			continue
		}
		m.peer(id).watched = true
	}
}

func (m *Manager) Unwatch(peerID ids.ID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if p, ok := m.peers[peerID]; ok {
		p.watched = false
	}
}

func (m *Manager) Status(peerID ids.ID) mesh.State {
	m.lock.Lock()
	defer m.lock.Unlock()
	if p, ok := m.peers[peerID]; ok {
		return p.state
	}
	return mesh.Unreachable
}

// Send tries each link in turn. A peer no link can reach is reported unreachable.
func (m *Manager) Send(peerID ids.ID, body []byte) error {
	if len(m.links) == 0 {
		return ErrNoLinks
	}
	errs := make([]error, 0, len(m.links))
	for _, l := range m.links {
		err := l.Send(peerID, body)
		if err == nil {
			m.seen(peerID)
			return nil
		}
		errs = append(errs, err)
	}
	m.set(peerID, mesh.Unreachable)
	return fmt.Errorf("transport: error sending to %s: %w", peerID, errors.Join(errs...))
}

func (m *Manager) receive(peerID ids.ID, body []byte) error {
	m.seen(peerID)
	return m.handler.OnReceive(peerID, body)
}

// must hold lock
func (m *Manager) peer(id ids.ID) *peer {
	p, ok := m.peers[id]
	if !ok {
		p = &peer{state: mesh.Unreachable}
		m.peers[id] = p
	}
	return p
}

func (m *Manager) seen(peerID ids.ID) {
	m.lock.Lock()
	m.peer(peerID).lastSeen = m.clock.Now()
	m.lock.Unlock()
	m.set(peerID, mesh.Reachable)
}

// set records a peer's state and queues the change for the handler. Changes are passed on in order from a
// single goroutine so the handler may send without deadlocking.
func (m *Manager) set(peerID ids.ID, state mesh.State) {
	m.lock.Lock()
	p := m.peer(peerID)
	if p.state == state {
		m.lock.Unlock()
		return
	}
	m.log.Debugf("%s went from %s to %s", peerID, p.state, state)
	p.state = state
	m.changes = append(m.changes, change{peerID, state})
	m.lock.Unlock()

	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Manager) startChangePassing(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.changed:
			}
			m.lock.Lock()
			changes := m.changes
			m.changes = nil
			m.lock.Unlock()
			for _, c := range changes {
				m.handler.OnReachabilityChange(c.peerID, c.state)
			}
		}
	}()
}

func (m *Manager) startPreflightChecker(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		interval := time.Duration(m.config.PreflightIntervalMs) * time.Millisecond
		for {
			m.log.Debugf("performing preflight updates")
			reqCtx, cancelFn := context.WithTimeout(ctx, interval)
			if err := m.performPreflightUpdates(reqCtx); err != nil {
				m.log.Debugf("error in preflight loop %s", err)
			}
			cancelFn()
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
}

// performPreflightUpdates scans every link and pings watched peers not heard from within the preflight
// interval. A peer that was unreachable passes through connecting while it is pinged.
func (m *Manager) performPreflightUpdates(ctx context.Context) error {
	m.preflight.Lock()
	defer m.preflight.Unlock()

	scanCtx, cancelFn := context.WithTimeout(ctx, time.Duration(m.config.LookupTimeoutMs)*time.Millisecond)
	defer cancelFn()
	// scanning refreshes the links' address caches
	scans := new(errgroup.Group)
	for _, l := range m.links {
		scans.Go(func() error {
			found, err := l.Scan(scanCtx)
			m.log.Debugf("scan found %d peers", len(found))
			return err
		})
	}
	scanErr := scans.Wait()

	interval := time.Duration(m.config.PreflightIntervalMs) * time.Millisecond
	cutoff := m.clock.Now().Add(-interval)
	var due []ids.ID
	m.lock.Lock()
	for id, p := range m.peers {
		if p.watched && (p.state != mesh.Reachable || p.lastSeen.Before(cutoff)) {
			due = append(due, id)
		}
	}
	m.lock.Unlock()
	ids.SortLexicographically(due)

	pings := new(errgroup.Group)
	pings.SetLimit(pingConcurrency)
	for _, id := range due {
		if m.Status(id) == mesh.Unreachable {
			m.set(id, mesh.Connecting)
		}
		pings.Go(func() error {
			if m.ping(ctx, id) {
				m.seen(id)
			} else {
				m.set(id, mesh.Unreachable)
			}
			return nil
		})
	}
	_ = pings.Wait()
	return scanErr
}

func (m *Manager) ping(ctx context.Context, peerID ids.ID) bool {
	for _, l := range m.links {
		err := l.Ping(ctx, peerID)
		if err == nil {
			return true
		}
		m.log.Debugf("ping of %s failed: %s", peerID, err)
	}
	return false
}
