// Package websocket runs the client end of WebSockets for the HTTP client.
//
// Framing and the opening handshake are gorilla/websocket's. The caller
// brings a connected (and, for wss, secured) [transport.Conn]; [Dial]
// upgrades it and [Conn] turns the blocking reads into handler calls on
// an [Executor].
package websocket

import (
	"context"
	"hostclient/application/http"
	"hostclient/transport"
	"net"
	nethttp "net/http"
	"strings"

	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// Version is the value of Sec-WebSocket-Version.
type Version string

const Version13 Version = "13"

const DefaultMaxFrameSize = 65536

// Close status codes.
// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-7.4.1
const (
	CloseNormal          uint16 = gws.CloseNormalClosure
	CloseGoingAway       uint16 = gws.CloseGoingAway
	CloseProtocolError   uint16 = gws.CloseProtocolError
	CloseNoStatus        uint16 = gws.CloseNoStatusReceived
	CloseInvalidPayload  uint16 = gws.CloseInvalidFramePayloadData
	CloseMessageTooLarge uint16 = gws.CloseMessageTooBig
)

var (
	ErrHandshake          = gws.ErrBadHandshake
	ErrFrameTooLarge      = gws.ErrReadLimit
	ErrClosed             = gws.ErrCloseSent
	ErrProtocol           = errors.New("websocket protocol violation")
	ErrUnsupportedVersion = errors.New("unsupported websocket version")
	ErrReservedHeader     = errors.New("header is set by the handshake")
)

// Handshake describes the opening handshake.
type Handshake struct {
	// Host is the Host header and the authority of the request URI.
	Host    string
	Target  string
	Headers http.Headers
	Version Version

	// MaxFrameSize bounds incoming messages and is the size outgoing
	// messages are fragmented at. Zero means [DefaultMaxFrameSize].
	MaxFrameSize uint
}

// Check reports a handshake that can't be sent, without touching the network.
func (hs Handshake) Check() error {
	if hs.Version != "" && hs.Version != Version13 {
		return errors.Wrapf(ErrUnsupportedVersion, "%q", hs.Version)
	}
	for _, f := range hs.Headers {
		if !httpguts.ValidHeaderFieldName(f.Name) || !httpguts.ValidHeaderFieldValue(f.Value) {
			return errors.Errorf("invalid header %q", f.Name)
		}
		if reserved(f.Name) {
			return errors.Wrap(ErrReservedHeader, f.Name)
		}
	}
	return nil
}

func reserved(name string) bool {
	switch strings.ToLower(name) {
	case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version", "sec-websocket-extensions":
		return true
	}
	return false
}

func (hs Handshake) maxFrameSize() int {
	if hs.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return int(hs.MaxFrameSize)
}

// Dial runs the opening handshake over con. ctx bounds the handshake only.
// On failure con is closed; a refused upgrade matches [ErrHandshake].
// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func Dial(ctx context.Context, con transport.Conn, hs Handshake, exec Executor) (*Conn, error) {
	if err := hs.Check(); err != nil {
		_ = con.Close()
		return nil, err
	}

	header := make(nethttp.Header, len(hs.Headers))
	for _, f := range hs.Headers {
		header.Add(f.Name, f.Value)
	}

	size := hs.maxFrameSize()
	dialer := gws.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return transport.NetConn(con), nil
		},
		ReadBufferSize:  size,
		WriteBufferSize: size,
	}

	// The scheme stays ws even over TLS: con is secured already.
	ws, res, err := dialer.DialContext(ctx, "ws://"+hs.Host+hs.Target, header)
	if err != nil {
		_ = con.Close()
		if res != nil {
			return nil, errors.Wrapf(err, "server answered %s", res.Status)
		}
		return nil, errors.Wrap(err, "websocket handshake")
	}

	ws.SetReadLimit(int64(size))
	return newConn(ws, exec), nil
}
