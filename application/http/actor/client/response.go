package client

import (
	"bytes"
	"hostclient/application/http"
)

// Response is the head of a response plus the events of its body.
//
// It is handed out on the client loop, and its handlers must be set there,
// normally inside the [ResponseHandler]. Body chunks that arrive while no
// body handler is set are dropped.
type Response struct {
	version  http.Version
	status   uint
	message  string
	headers  http.Headers
	trailers http.Headers

	bodyHandler      func(chunk []byte)
	endHandler       func()
	exceptionHandler func(err error)
	unhandled        func(err error)

	ended bool
	err   error
}

func newResponse(raw http.Response, unhandled func(error)) *Response {
	return &Response{
		version:   raw.Version,
		status:    raw.StatusCode,
		message:   raw.ReasonPhrase,
		headers:   raw.Headers,
		unhandled: unhandled,
	}
}

func (r *Response) Version() http.Version { return r.version }
func (r *Response) StatusCode() uint      { return r.status }
func (r *Response) StatusMessage() string { return r.message }
func (r *Response) Headers() http.Headers { return r.headers }

// Trailers is empty until the body ended.
func (r *Response) Trailers() http.Headers { return r.trailers }

// Ended reports whether the whole body has arrived.
func (r *Response) Ended() bool { return r.ended }

// Err is the error that ended the body early, if any.
func (r *Response) Err() error { return r.err }

func (r *Response) BodyHandler(fn func(chunk []byte)) *Response {
	r.bodyHandler = fn
	return r
}

func (r *Response) EndHandler(fn func()) *Response {
	r.endHandler = fn
	return r
}

// ExceptionHandler receives the error if the connection fails before the
// body ended. Without one the error goes to the client exception handler.
func (r *Response) ExceptionHandler(fn func(err error)) *Response {
	r.exceptionHandler = fn
	return r
}

// Collect gathers the body and calls fn once: with the body when it ended,
// or with the error that stopped it.
func (r *Response) Collect(fn func(body []byte, err error)) *Response {
	var buf bytes.Buffer
	r.BodyHandler(func(chunk []byte) { buf.Write(chunk) })
	r.EndHandler(func() { fn(buf.Bytes(), nil) })
	r.ExceptionHandler(func(err error) { fn(nil, err) })
	return r
}

func (r *Response) chunk(data []byte) {
	if r.bodyHandler != nil {
		r.bodyHandler(data)
	}
}

func (r *Response) end(trailers http.Headers) {
	r.ended = true
	r.trailers = trailers
	if r.endHandler != nil {
		r.endHandler()
	}
}

func (r *Response) fail(err error) {
	if r.ended || r.err != nil {
		return
	}
	r.err = err

	switch {
	case r.exceptionHandler != nil:
		r.exceptionHandler(err)
	case r.unhandled != nil:
		r.unhandled(err)
	}
}
