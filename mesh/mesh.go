// This package tracks, per conversation, the link state of every remote member. The transport reports state
// per peer and the tracker fans that out to each conversation the peer belongs to, raising an Event for
// every transition.
package mesh

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/meow-io/go-meshsync/clock"
	"github.com/meow-io/go-meshsync/ids"
	"golang.org/x/exp/maps"
)

type State int

const (
	Unreachable State = iota
	Connecting
	Reachable
)

func (s State) String() string {
	switch s {
	case Unreachable:
		return "unreachable"
	case Connecting:
		return "connecting"
	case Reachable:
		return "reachable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a member's current state and when it was entered.
type Status struct {
	State State
	Since time.Time
}

type Event struct {
	ConversationID ids.ID
	MemberID       ids.ID
	From           State
	To             State
	At             time.Time
}

// BecameReachable is the member-reachable event.
func (e Event) BecameReachable() bool {
	return e.To == Reachable && e.From != Reachable
}

// LostReachability is the member-unreachable event. Dropping back to connecting counts.
func (e Event) LostReachability() bool {
	return e.From == Reachable && e.To != Reachable
}

// Candidate is a reachable member, Since being the start of its current reachable period.
type Candidate struct {
	ID    ids.ID
	Since time.Time
}

type Tracker struct {
	clock         clock.Clock
	lock          sync.Mutex
	peers         map[ids.ID]Status
	conversations map[ids.ID]map[ids.ID]*Status
	listeners     []func(Event)
}

func New(cl clock.Clock) *Tracker {
	return &Tracker{
		clock:         cl,
		peers:         make(map[ids.ID]Status),
		conversations: make(map[ids.ID]map[ids.ID]*Status),
	}
}

// OnChange registers a listener called synchronously, outside the tracker's lock, for every event.
func (t *Tracker) OnChange(f func(Event)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.listeners = append(t.listeners, f)
}

func (t *Tracker) peer(id ids.ID) Status {
	if s, ok := t.peers[id]; ok {
		return s
	}
	return Status{State: Unreachable, Since: t.clock.Now()}
}

// AddConversation starts tracking members of a conversation, each taking the last state known for its peer.
func (t *Tracker) AddConversation(conversationID ids.ID, members []ids.ID) {
	t.lock.Lock()
	defer t.lock.Unlock()
	m := make(map[ids.ID]*Status, len(members))
	for _, id := range members {
		s := t.peer(id)
		m[id] = &s
	}
	t.conversations[conversationID] = m
}

// RemoveConversation stops tracking a conversation and returns its members that are no longer tracked in any
// other.
func (t *Tracker) RemoveConversation(conversationID ids.ID) []ids.ID {
	t.lock.Lock()
	defer t.lock.Unlock()
	members := t.conversations[conversationID]
	delete(t.conversations, conversationID)
	var out []ids.ID
	for id := range members {
		if !t.tracked(id) {
			out = append(out, id)
		}
	}
	ids.SortLexicographically(out)
	return out
}

// tracked reports whether peerID is a member of any tracked conversation. Must hold lock.
func (t *Tracker) tracked(peerID ids.ID) bool {
	for _, m := range t.conversations {
		if _, ok := m[peerID]; ok {
			return true
		}
	}
	return false
}

// AddMember starts tracking one member. If its peer is already reachable a member-reachable event is raised
// for the conversation.
func (t *Tracker) AddMember(conversationID, memberID ids.ID) []Event {
	t.lock.Lock()
	m, ok := t.conversations[conversationID]
	if !ok {
		t.lock.Unlock()
		return nil
	}
	if _, ok := m[memberID]; ok {
		t.lock.Unlock()
		return nil
	}
	s := t.peer(memberID)
	m[memberID] = &s
	var events []Event
	if s.State != Unreachable {
		events = append(events, Event{ConversationID: conversationID, MemberID: memberID, From: Unreachable, To: s.State, At: s.Since})
	}
	listeners := slices.Clone(t.listeners)
	t.lock.Unlock()

	notify(listeners, events)
	return events
}

// RemoveMember stops tracking a member. A reachable member produces a final transition to unreachable.
func (t *Tracker) RemoveMember(conversationID, memberID ids.ID) []Event {
	t.lock.Lock()
	m, ok := t.conversations[conversationID]
	if !ok {
		t.lock.Unlock()
		return nil
	}
	s, ok := m[memberID]
	if !ok {
		t.lock.Unlock()
		return nil
	}
	delete(m, memberID)
	var events []Event
	if s.State != Unreachable {
		events = append(events, Event{ConversationID: conversationID, MemberID: memberID, From: s.State, To: Unreachable, At: t.clock.Now()})
	}
	listeners := slices.Clone(t.listeners)
	t.lock.Unlock()

	notify(listeners, events)
	return events
}

// Set records the transport's state for a peer and returns one event per conversation where the member's
// state changed, in conversation id order.
func (t *Tracker) Set(peerID ids.ID, state State) []Event {
	t.lock.Lock()
	now := t.clock.Now()
	if prev, ok := t.peers[peerID]; !ok || prev.State != state {
		t.peers[peerID] = Status{State: state, Since: now}
	}

	convIDs := maps.Keys(t.conversations)
	ids.SortLexicographically(convIDs)
	var events []Event
	for _, convID := range convIDs {
		s, ok := t.conversations[convID][peerID]
		if !ok || s.State == state {
			continue
		}
		events = append(events, Event{ConversationID: convID, MemberID: peerID, From: s.State, To: state, At: now})
		s.State = state
		s.Since = now
	}
	listeners := slices.Clone(t.listeners)
	t.lock.Unlock()

	notify(listeners, events)
	return events
}

func notify(listeners []func(Event), events []Event) {
	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
	}
}

func (t *Tracker) Status(conversationID, memberID ids.ID) (Status, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, ok := t.conversations[conversationID][memberID]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// Reachable returns the conversation's reachable members, longest reachable first, ties broken by the
// lexicographically smallest id.
func (t *Tracker) Reachable(conversationID ids.ID) []Candidate {
	t.lock.Lock()
	defer t.lock.Unlock()
	var out []Candidate
	for id, s := range t.conversations[conversationID] {
		if s.State == Reachable {
			out = append(out, Candidate{ID: id, Since: s.Since})
		}
	}
	SortCandidates(out)
	return out
}

// Conversations returns the ids of the conversations peerID is tracked in.
func (t *Tracker) Conversations(peerID ids.ID) []ids.ID {
	t.lock.Lock()
	defer t.lock.Unlock()
	var out []ids.ID
	for convID, m := range t.conversations {
		if _, ok := m[peerID]; ok {
			out = append(out, convID)
		}
	}
	ids.SortLexicographically(out)
	return out
}

func SortCandidates(c []Candidate) {
	slices.SortFunc(c, func(a, b Candidate) int {
		if cmp := a.Since.Compare(b.Since); cmp != 0 {
			return cmp
		}
		return ids.Compare(a.ID, b.ID)
	})
}
