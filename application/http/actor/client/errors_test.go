package client

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestWithKind(t *testing.T) {
	err := withKind(ErrConnect, io.EOF)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, ErrTLS)
	assert.Equal(t, "connect failed: EOF", err.Error())

	assert.Same(t, ErrPoolClosed, withKind(ErrPoolClosed, nil))

	// Already tagged errors are kept as they are.
	wrapped := errors.Wrap(err, "dialing")
	assert.Equal(t, wrapped, withKind(ErrConnect, wrapped))
}

func TestLost(t *testing.T) {
	err := lost(withKind(ErrTransport, io.ErrClosedPipe))
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
