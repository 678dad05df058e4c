// Package media converts between the wire's base64 text and raw audio bytes
// and wraps decoded audio in playable handles.
package media

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
)

// DecodeError reports base64 input that could not be decoded.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("media: invalid base64 at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode returns the standard base64 form of raw.
func Encode(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// Decode reverses Encode. Input may be several padded encodings joined
// together, as produced by concatenating per-chunk encodings; each segment is
// decoded in turn. Malformed input yields a *DecodeError carrying the decode
// reason.
func Decode(text string) ([]byte, error) {
	out := make([]byte, 0, base64.StdEncoding.DecodedLen(len(text)))
	var offset int64
	for len(text) > 0 {
		seg := nextSegment(text)
		n, err := base64.StdEncoding.AppendDecode(nil, []byte(seg))
		if err != nil {
			pos := offset
			if ce, ok := err.(base64.CorruptInputError); ok {
				pos += int64(ce)
			}
			return nil, errorsx.Wrap(&DecodeError{Offset: pos, Err: err}, errorsx.ReasonDecode)
		}
		out = append(out, n...)
		offset += int64(len(seg))
		text = text[len(seg):]
	}
	return out, nil
}

// nextSegment returns the prefix of text up to and including the first run of
// padding characters, or all of text when it carries no padding.
func nextSegment(text string) string {
	i := strings.IndexByte(text, '=')
	if i < 0 {
		return text
	}
	for i < len(text) && text[i] == '=' {
		i++
	}
	return text[:i]
}
