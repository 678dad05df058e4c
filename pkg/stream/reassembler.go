// Package stream collects the fragments of one chunked media transfer.
package stream

import (
	"errors"
	"sort"
	"strings"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
)

// ErrNoTransfer is returned when a chunk or completion arrives with no transfer open.
var ErrNoTransfer = errorsx.Wrap(errors.New("stream: no transfer in progress"), errorsx.ReasonProtocolViolation)

type State int

const (
	StateIdle State = iota
	StateCollecting
)

func (s State) String() string {
	if s == StateCollecting {
		return "collecting"
	}
	return "idle"
}

// Meta is the advisory information announced when a transfer opens.
type Meta struct {
	Length      *int
	ContentType string
}

type Chunk struct {
	Data  string
	Index *int
	Last  bool
}

// Payload is the result of a completed transfer: the fragments joined in
// order, still in their encoded form.
type Payload struct {
	Encoded   string
	Fragments int
	Meta      Meta
}

type fragment struct {
	seq   int
	index int
	data  string
}

// Reassembler holds at most one in-flight transfer. It is not safe for
// concurrent use; the session drives it from a single goroutine.
type Reassembler struct {
	orderByIndex bool

	state     State
	meta      Meta
	fragments []fragment
}

type Option func(*Reassembler)

// WithIndexOrdering sorts fragments by their chunk index on completion
// instead of trusting arrival order. Fragments without an index keep their
// arrival position relative to each other.
func WithIndexOrdering(enabled bool) Option {
	return func(r *Reassembler) { r.orderByIndex = enabled }
}

func New(opts ...Option) *Reassembler {
	r := &Reassembler{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reassembler) State() State { return r.state }

func (r *Reassembler) Collecting() bool { return r.state == StateCollecting }

// Len is the number of fragments held by the open transfer.
func (r *Reassembler) Len() int { return len(r.fragments) }

// Start opens a new transfer. Any transfer already in flight is discarded;
// the return value reports whether that happened.
func (r *Reassembler) Start(meta Meta) (discarded bool) {
	discarded = r.state == StateCollecting
	r.state = StateCollecting
	r.meta = meta
	r.fragments = r.fragments[:0]
	return discarded
}

// Append adds one fragment to the open transfer.
func (r *Reassembler) Append(c Chunk) error {
	if r.state != StateCollecting {
		return ErrNoTransfer
	}
	idx := len(r.fragments)
	if c.Index != nil {
		idx = *c.Index
	}
	r.fragments = append(r.fragments, fragment{seq: len(r.fragments), index: idx, data: c.Data})
	return nil
}

// Complete closes the open transfer and returns its joined fragments.
func (r *Reassembler) Complete() (Payload, error) {
	if r.state != StateCollecting {
		return Payload{}, ErrNoTransfer
	}
	frags := r.fragments
	if r.orderByIndex {
		sort.SliceStable(frags, func(i, j int) bool { return frags[i].index < frags[j].index })
	}
	var b strings.Builder
	for _, f := range frags {
		b.WriteString(f.data)
	}
	p := Payload{Encoded: b.String(), Fragments: len(frags), Meta: r.meta}
	r.Reset()
	return p, nil
}

// Reset abandons any open transfer.
func (r *Reassembler) Reset() {
	r.state = StateIdle
	r.meta = Meta{}
	r.fragments = nil
}
