package client

import (
	"bytes"
	"hostclient/application/http"
	"hostclient/application/http/transfer"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// ResponseHandler receives the outcome of a request: the response once its
// head arrived, or the error that prevented it. It is called exactly once,
// on the client loop.
type ResponseHandler func(res *Response, err error)

// Request is built by the caller until [Request.End] sends it.
// Its methods are safe for concurrent use.
type Request struct {
	client  *Client
	method  string
	uri     string
	handler ResponseHandler

	mu      sync.Mutex
	headers http.Headers
	body    bytes.Buffer
	chunked bool
	ended   bool
	err     error // first invalid input, reported on End.

	completed atomic.Bool
}

func (r *Request) Method() string { return r.method }
func (r *Request) URI() string    { return r.uri }

func (r *Request) Headers() http.Headers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers.Clone()
}

// PutHeader replaces every field named name. Invalid names or values make
// the request fail with [ErrInvalidRequest] once ended.
func (r *Request) PutHeader(name, value string) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case !httpguts.ValidHeaderFieldName(name):
		r.setErr(errors.Errorf("invalid header name %q", name))
	case !httpguts.ValidHeaderFieldValue(value):
		r.setErr(errors.Errorf("invalid value for header %q", name))
	default:
		r.headers.Set(name, value)
	}
	return r
}

// SetChunked sends the body with chunked transfer coding.
func (r *Request) SetChunked(chunked bool) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunked = chunked
	return r
}

// Write appends p to the body.
func (r *Request) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended {
		return 0, ErrRequestEnded
	}
	return r.body.Write(p)
}

func (r *Request) WriteString(s string) (int, error) { return r.Write([]byte(s)) }

// End sends the request. The outcome reaches the handler asynchronously;
// End itself only fails if it was already called. On a client whose loop
// has stopped, the handler gets [ErrPoolClosed] before End returns.
func (r *Request) End() error {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return ErrRequestEnded
	}
	r.ended = true
	message, err := r.buildLocked()
	r.mu.Unlock()

	if err != nil {
		err = withKind(ErrInvalidRequest, err)
	}
	r.client.send(r, message, err)
	return nil
}

func (r *Request) setErr(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Request) buildLocked() (http.Request, error) {
	if r.err != nil {
		return http.Request{}, r.err
	}
	if !httpguts.ValidHeaderFieldName(r.method) {
		return http.Request{}, errors.Errorf("invalid method %q", r.method)
	}
	if !validTarget(r.uri) {
		return http.Request{}, errors.Errorf("invalid request target %q", r.uri)
	}

	headers := r.headers.Clone()
	cfg := r.client.cfg

	if !headers.Has("Host") {
		headers.Add("Host", hostHeader(cfg.Host(), cfg.Port(), cfg.SSL()))
	}

	body := r.body.Bytes()
	switch {
	case r.chunked:
		headers.Del("Content-Length")
		headers.Set("Transfer-Encoding", transfer.CodingChunked)

		var encoded bytes.Buffer
		cw := transfer.NewChunkedWriter(&encoded)
		if len(body) > 0 {
			if _, err := cw.Write(body); err != nil {
				return http.Request{}, errors.Wrap(err, "encoding chunked body")
			}
		}
		if err := cw.Close(); err != nil {
			return http.Request{}, errors.Wrap(err, "encoding chunked body")
		}
		body = encoded.Bytes()
	case len(body) > 0 || requiresContentLength(r.method):
		headers.Set("Content-Length", strconv.Itoa(len(body)))
	}

	if !cfg.KeepAlive() {
		headers.Set("Connection", "close")
	}

	message := http.Request{
		RequestLine: http.RequestLine{
			Method:  r.method,
			Target:  r.uri,
			Version: http.Version1_1,
		},
		Headers: headers,
	}
	if len(body) > 0 {
		message.Body = bytes.NewReader(bytes.Clone(body))
	}
	return message, nil
}

// complete delivers the outcome. A second delivery is a bug.
func (r *Request) complete(res *Response, err error) {
	if !r.completed.CompareAndSwap(false, true) {
		panic("response delivered twice")
	}

	if m := r.client.metrics; m != nil {
		outcome := outcomeResponse
		if err != nil {
			outcome = outcomeError
		}
		m.requests.WithLabelValues(outcome).Inc()
	}

	if r.handler != nil {
		r.handler(res, err)
	}
}

func requiresContentLength(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func validTarget(target string) bool {
	if target == "" {
		return false
	}
	for i := 0; i < len(target); i++ {
		if b := target[i]; b <= ' ' || b == 0x7f {
			return false
		}
	}
	return true
}

// hostHeader leaves out the port when it is the scheme default.
func hostHeader(host string, port uint16, ssl bool) string {
	if (ssl && port == 443) || (!ssl && port == 80) {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
