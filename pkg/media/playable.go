package media

import (
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultSubtype is used when the server does not name an audio format.
const DefaultSubtype = "mp3"

// Playable is a handle the playback device can consume: either in-memory
// bytes or a remote URL. Release frees the bytes; it is safe to call twice.
type Playable struct {
	ID   string
	MIME string
	URL  string

	mu       sync.Mutex
	data     []byte
	released bool
}

// BuildPlayable wraps decoded bytes with MIME type audio/<subtype>.
func BuildPlayable(raw []byte, subtype string) *Playable {
	return &Playable{
		ID:   uuid.NewString(),
		MIME: MIMEType(subtype),
		data: raw,
	}
}

// NewRemotePlayable references audio the device fetches itself.
func NewRemotePlayable(ref, subtype string) *Playable {
	return &Playable{
		ID:   uuid.NewString(),
		MIME: MIMEType(subtype),
		URL:  ref,
	}
}

// Data returns the audio bytes, or nil once released or for remote handles.
func (p *Playable) Data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	return p.data
}

func (p *Playable) Size() int {
	return len(p.Data())
}

func (p *Playable) Remote() bool { return p.URL != "" }

func (p *Playable) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	p.data = nil
}

func (p *Playable) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// MIMEType maps a subtype such as "wav" to "audio/wav".
func MIMEType(subtype string) string {
	subtype = strings.ToLower(strings.TrimSpace(subtype))
	if subtype == "" {
		subtype = DefaultSubtype
	}
	return "audio/" + subtype
}

// SubtypeFromContentType extracts "mp3" from "audio/mp3; charset=x".
// Anything that is not an audio type yields the empty string.
func SubtypeFromContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	sub, ok := strings.CutPrefix(ct, "audio/")
	if !ok {
		return ""
	}
	switch sub {
	case "mpeg":
		return "mp3"
	default:
		return sub
	}
}

// ResolveURL makes a server-relative media reference absolute against base.
// Absolute references are returned unchanged.
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil || parsed.IsAbs() {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil || base == "" {
		return ref
	}
	return baseURL.ResolveReference(parsed).String()
}
