package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindText   Kind = "text"
	KindBinary Kind = "binary"
	KindSystem Kind = "system"
)

// System frame names emitted by transports around the message stream.
const (
	SystemOpen  = "open"
	SystemClose = "close"
	SystemError = "error"
)

const (
	MetaSessionID = "session_id"
	MetaRemote    = "remote"
	MetaError     = "error"
	MetaCloseCode = "close_code"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// TextFrame carries one UTF-8 message, typically a JSON document.
type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(sessionID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(sessionID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

type BinaryFrame struct {
	pts  int64
	data []byte
	meta map[string]string
}

func NewBinaryFrame(sessionID string, pts int64, data []byte, meta map[string]string) BinaryFrame {
	return BinaryFrame{
		pts:  pts,
		data: data,
		meta: mergeMeta(sessionID, meta),
	}
}

func (b BinaryFrame) Kind() Kind              { return KindBinary }
func (b BinaryFrame) PTS() int64              { return b.pts }
func (b BinaryFrame) Meta() map[string]string { return cloneMeta(b.meta) }
func (b BinaryFrame) Data() []byte            { return append([]byte(nil), b.data...) }

// SystemFrame reports a connection lifecycle event (open, close, error).
type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(sessionID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(sessionID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// Terminal reports whether the frame ends a transport's stream.
func (s SystemFrame) Terminal() bool {
	return s.name == SystemClose || s.name == SystemError
}

// Err returns the error text attached to an error frame.
func (s SystemFrame) Err() string { return s.meta[MetaError] }

// PTSGen hands out monotonically increasing presentation stamps per session.
type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(sessionID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixNano()
	v := g.value[sessionID] + 1
	if now > v {
		v = now
	}
	g.value[sessionID] = v
	return v
}

func mergeMeta(sessionID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 1+len(meta))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
