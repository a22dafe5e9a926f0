package transport

import (
	"net"
	"strconv"
)

type Protocol string

const (
	TCP  Protocol = "tcp"
	Pipe Protocol = "pipe"
)

// Addr is compatible with [net.Addr] so real sockets can hand theirs out directly.
type Addr interface {
	Network() string
	String() string
}

// HostPort addresses a remote host by name (or literal ip) and port.
// Name resolution is left to the dialer.
type HostPort struct {
	Host string
	Port uint16
}

var _ Addr = HostPort{}

func (a HostPort) Network() string { return string(TCP) }
func (a HostPort) String() string {
	return net.JoinHostPort(a.Host, strconv.FormatUint(uint64(a.Port), 10))
}
