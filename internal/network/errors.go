package network

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a send is attempted with no ready channel.
	ErrNotConnected = errors.New("not connected")

	errSendBufferFull = errors.New("send buffer full")
)

// TransportError is a low-level channel failure. The manager absorbs it and
// reports it only through state-change notifications.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
