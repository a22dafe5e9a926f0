//go:build unix

package tcp

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// control sets the options that must be in place before connect(2).
func (o Options) control(network, _ string, c syscall.RawConn) error {
	var optErr error
	err := c.Control(func(fd uintptr) {
		optErr = o.setsockopts(network, int(fd))
	})
	if err != nil {
		return errors.Wrap(err, "accessing raw socket")
	}
	return optErr
}

func (o Options) setsockopts(network string, fd int) error {
	if o.ReuseAddress {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return errors.Wrap(err, "setting SO_REUSEADDR")
		}
	}
	if o.SendBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, o.SendBufferSize); err != nil {
			return errors.Wrap(err, "setting SO_SNDBUF")
		}
	}
	if o.ReceiveBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.ReceiveBufferSize); err != nil {
			return errors.Wrap(err, "setting SO_RCVBUF")
		}
	}
	if o.TrafficClass >= 0 {
		level, opt := unix.IPPROTO_IP, unix.IP_TOS
		if network == "tcp6" {
			level, opt = unix.IPPROTO_IPV6, unix.IPV6_TCLASS
		}
		if err := unix.SetsockoptInt(fd, level, opt, o.TrafficClass); err != nil {
			return errors.Wrap(err, "setting traffic class")
		}
	}
	return nil
}
