//go:build !unix

package tcp

import "syscall"

// control is a no-op where golang.org/x/sys/unix is unavailable.
// Buffer sizes, address reuse and traffic class keep the OS defaults there.
func (o Options) control(_, _ string, _ syscall.RawConn) error { return nil }
