// This package tracks, for one sender stream of one conversation, which sequence numbers have been received
// and which are known to exist but are still missing.
//
// A Tracker holds the contiguous watermark (every sequence up to and including it has been received), the
// sparse set of sequences received above it and the head, the highest sequence known to exist. Everything
// between the watermark and the head that is not in the sparse set is missing.
package gaps

import (
	"fmt"
	"iter"
	"slices"

	"golang.org/x/exp/maps"
)

type Range struct {
	From uint64
	To   uint64
}

func (r Range) Len() uint64 {
	return r.To - r.From + 1
}

func (r Range) Contains(n uint64) bool {
	return n >= r.From && n <= r.To
}

func (r Range) String() string {
	return fmt.Sprintf("{%d,%d}", r.From, r.To)
}

type Outcome int

const (
	// Advanced means the watermark moved: the sequence was the next expected one.
	Advanced Outcome = iota
	// Buffered means the sequence arrived ahead of a gap and was recorded as received.
	Buffered
	AlreadySeen
	// OutOfWindow means the sequence is too far past the watermark to be recorded. The head still moves so
	// the sequence is reported missing and fetched once the window reaches it.
	OutOfWindow
)

func (o Outcome) String() string {
	switch o {
	case Advanced:
		return "advanced"
	case Buffered:
		return "buffered"
	case AlreadySeen:
		return "already-seen"
	case OutOfWindow:
		return "out-of-window"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DefaultWindow is used when a tracker is made with a zero window.
const DefaultWindow = 1000

type Tracker struct {
	highest  uint64
	head     uint64
	received map[uint64]bool
	window   uint64
}

// New makes a tracker for a stream whose first sequence is start. window bounds how far past the watermark
// a sequence may be recorded, zero means DefaultWindow.
func New(start uint64, window uint64) *Tracker {
	if start == 0 {
		start = 1
	}
	if window == 0 {
		window = DefaultWindow
	}
	return &Tracker{
		highest:  start - 1,
		head:     start - 1,
		received: make(map[uint64]bool),
		window:   window,
	}
}

// Restore rebuilds a tracker from its persisted form. Bit i of sparse marks sequence highest+2+i.
func Restore(highest, head uint64, sparse []byte, window uint64) *Tracker {
	if window == 0 {
		window = DefaultWindow
	}
	t := &Tracker{
		highest:  highest,
		head:     max(head, highest),
		received: make(map[uint64]bool),
		window:   window,
	}
	b := bitmap(sparse)
	for i := 0; i != len(b)*8; i++ {
		if b.get(i) {
			n := highest + uint64(i) + 2
			t.received[n] = true
			t.head = max(t.head, n)
		}
	}
	t.compact()
	return t
}

func (t *Tracker) Highest() uint64 {
	return t.highest
}

func (t *Tracker) Head() uint64 {
	return t.head
}

func (t *Tracker) Received(n uint64) bool {
	return n <= t.highest || t.received[n]
}

// SparseBitmap is the persisted form of the sequences received above the watermark.
func (t *Tracker) SparseBitmap() []byte {
	bm := bitmap(nil)
	for n := range t.received {
		bm.set(int(n-t.highest)-2, true)
	}
	return bm
}

func (t *Tracker) Observe(n uint64) Outcome {
	if n <= t.highest || t.received[n] {
		return AlreadySeen
	}
	if n > t.highest+t.window {
		t.head = max(t.head, n)
		return OutOfWindow
	}
	t.head = max(t.head, n)
	if n == t.highest+1 {
		t.highest = n
		t.compact()
		return Advanced
	}
	t.received[n] = true
	return Buffered
}

// ExtendTo records that sequences up to head exist. It reports whether the head moved.
func (t *Tracker) ExtendTo(head uint64) bool {
	if head <= t.head {
		return false
	}
	t.head = head
	return true
}

// StartAt applies a stream start marker: sequences before start never existed.
func (t *Tracker) StartAt(start uint64) {
	if start == 0 || start-1 <= t.highest {
		return
	}
	t.highest = start - 1
	for n := range t.received {
		if n <= t.highest {
			delete(t.received, n)
		}
	}
	t.compact()
	t.head = max(t.head, t.highest)
}

func (t *Tracker) compact() {
	for t.received[t.highest+1] {
		t.highest++
		delete(t.received, t.highest)
	}
}

// MissingRanges yields the missing ranges in ascending order. Each iteration reads the current state and
// nothing is mutated.
func (t *Tracker) MissingRanges() iter.Seq[Range] {
	return func(yield func(Range) bool) {
		if t.head <= t.highest {
			return
		}
		sparse := maps.Keys(t.received)
		slices.Sort(sparse)
		next := t.highest + 1
		for _, n := range sparse {
			if n > next {
				if !yield(Range{next, n - 1}) {
					return
				}
			}
			next = n + 1
		}
		if next <= t.head {
			yield(Range{next, t.head})
		}
	}
}

func (t *Tracker) Missing() []Range {
	return slices.Collect(t.MissingRanges())
}

func (t *Tracker) Complete() bool {
	return t.head <= t.highest
}
