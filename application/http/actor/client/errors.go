package client

import "github.com/pkg/errors"

// Error kinds. Errors delivered by this package match at least one of them
// with errors.Is, and also match their cause. A lost connection keeps the
// kind of the failure that ended it.
var (
	// ErrConnect means the TCP connection could not be established in time.
	ErrConnect = errors.New("connect failed")
	// ErrTLS means the TLS handshake or certificate verification failed.
	ErrTLS = errors.New("tls handshake failed")
	// ErrTransport means reading or writing an established connection failed.
	ErrTransport = errors.New("transport failure")
	// ErrConnectionLost means the connection went away while a response was due.
	ErrConnectionLost = errors.New("connection lost")
	// ErrPoolClosed means the client was closed before a connection was handed out.
	ErrPoolClosed = errors.New("pool closed")
	// ErrProtocol means the server sent something that is not valid HTTP/1.1 here.
	ErrProtocol = errors.New("protocol error")

	ErrRequestEnded   = errors.New("request already ended")
	ErrInvalidRequest = errors.New("invalid request")
)

type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string   { return e.kind.Error() + ": " + e.cause.Error() }
func (e *kindError) Unwrap() []error { return []error{e.kind, e.cause} }

// withKind tags cause with kind unless it already carries it.
func withKind(kind, cause error) error {
	if cause == nil {
		return kind
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return &kindError{kind: kind, cause: cause}
}

// lost is the error pending responses receive when their connection dies.
func lost(cause error) error { return withKind(ErrConnectionLost, cause) }
