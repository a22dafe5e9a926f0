// Package transfer frames HTTP/1.1 message bodies.
package transfer

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"hostclient/application/http"
	"hostclient/application/http/status"

	"github.com/pkg/errors"
)

type Framing uint8

const (
	// FramingNone means the message has no body.
	FramingNone Framing = iota
	// FramingLength means the body is Content-Length bytes long.
	FramingLength
	// FramingChunked means the body uses the chunked transfer coding.
	FramingChunked
	// FramingClose means the body ends when the connection closes.
	FramingClose
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingClose:
		return "close-delimited"
	}
	return "Framing(" + strconv.Itoa(int(f)) + ")"
}

var ErrInvalidContentLength = errors.New("invalid content-length")

// IsBodyless reports whether a response with code to a request with
// requestMethod never carries content.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.1
func IsBodyless(requestMethod string, code uint) bool {
	switch {
	case requestMethod == http.MethodHead:
		return true
	case status.HasNoContent(code):
		return true
	case requestMethod == http.MethodConnect && status.IsSuccessful(code):
		return true
	}
	return false
}

// ResponseFraming decides how the body of res is delimited. For
// [FramingLength] it also returns the length.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3
func ResponseFraming(requestMethod string, res *http.Response) (Framing, uint, error) {
	if IsBodyless(requestMethod, res.StatusCode) {
		return FramingNone, 0, nil
	}

	if codings := res.Headers.Values("Transfer-Encoding"); len(codings) > 0 {
		// Transfer-Encoding overrides Content-Length. Only a final chunked
		// coding delimits the body; anything else reads until close.
		if lastCoding(codings) == CodingChunked {
			return FramingChunked, 0, nil
		}
		return FramingClose, 0, nil
	}

	if values := res.Headers.Values("Content-Length"); len(values) > 0 {
		length, err := parseContentLength(values)
		if err != nil {
			return 0, 0, err
		}
		if length == 0 {
			return FramingNone, 0, nil
		}
		return FramingLength, length, nil
	}

	return FramingClose, 0, nil
}

func lastCoding(values []string) string {
	last := values[len(values)-1]
	if idx := strings.LastIndexByte(last, ','); idx >= 0 {
		last = last[idx+1:]
	}
	return strings.ToLower(strings.TrimSpace(last))
}

// parseContentLength accepts repeated values only when they all agree.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-8.6-8
func parseContentLength(values []string) (uint, error) {
	var (
		length uint
		seen   bool
	)
	for _, v := range values {
		for elem := range strings.SplitSeq(v, ",") {
			elem = strings.TrimSpace(elem)
			n, err := strconv.ParseUint(elem, 10, 63)
			if err != nil {
				return 0, errors.Wrapf(ErrInvalidContentLength, "%q", elem)
			}
			if seen && uint(n) != length {
				return 0, errors.Wrapf(ErrInvalidContentLength, "conflicting values %v", values)
			}
			length, seen = uint(n), true
		}
	}
	return length, nil
}

// NewBodyReader returns a reader yielding exactly the body of res,
// consuming nothing past it from br. onTrailer receives trailer fields of
// a chunked body and may be nil.
func NewBodyReader(
	br *bufio.Reader, requestMethod string, res *http.Response,
	onTrailer func([]http.Field),
) (io.Reader, Framing, error) {
	framing, length, err := ResponseFraming(requestMethod, res)
	if err != nil {
		return nil, 0, err
	}

	switch framing {
	case FramingLength:
		return &lengthReader{r: br, n: length}, framing, nil
	case FramingChunked:
		cr := NewChunkedReader(br)
		cr.SetOnTrailerReceived(onTrailer)
		return cr, framing, nil
	case FramingClose:
		return br, framing, nil
	}

	return eofReader{}, framing, nil
}

// lengthReader is like [io.LimitedReader] but reports a short body as
// [io.ErrUnexpectedEOF].
type lengthReader struct {
	r io.Reader
	n uint // bytes remaining
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.n == 0 {
		return 0, io.EOF
	}
	if uint(len(p)) > l.n {
		p = p[:l.n]
	}

	n, err := l.r.Read(p)
	l.n -= uint(n)
	if errors.Is(err, io.EOF) {
		if l.n > 0 {
			return n, io.ErrUnexpectedEOF
		}
		err = nil
	}
	return n, err
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
