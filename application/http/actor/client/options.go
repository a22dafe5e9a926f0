package client

import (
	"hostclient/application/http"
	"hostclient/lib/loop"

	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	Send    SendOptions
	Receive ReceiveOptions

	// Loop runs every callback of the client. Several clients may share one;
	// a shared loop is never stopped by the client. nil creates a private loop.
	Loop *loop.Loop

	// Registerer receives the pool metrics. nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type SendOptions struct {
	Encode http.EncodeOptions
}

type ReceiveOptions struct {
	// Decode bounds what a server may send. Zero limits are replaced with
	// the ones in [http.DefaultDecodeOptions].
	Decode http.DecodeOptions
}

// DefaultOptions returns the options a client gets when nothing is set.
func DefaultOptions() Options {
	return Options{
		Send:    SendOptions{Encode: http.DefaultEncodeOptions},
		Receive: ReceiveOptions{Decode: http.DefaultDecodeOptions},
	}
}

func (o Options) withDefaults() Options {
	d := &o.Receive.Decode
	if d.MaxFieldLineLength == 0 {
		d.MaxFieldLineLength = http.DefaultDecodeOptions.MaxFieldLineLength
	}
	if d.MaxFieldCount == 0 {
		d.MaxFieldCount = http.DefaultDecodeOptions.MaxFieldCount
	}
	if d.MaxRequestLineLength == 0 {
		d.MaxRequestLineLength = http.DefaultDecodeOptions.MaxRequestLineLength
	}
	if d.MaxStatusLineLength == 0 {
		d.MaxStatusLineLength = http.DefaultDecodeOptions.MaxStatusLineLength
	}
	return o
}
