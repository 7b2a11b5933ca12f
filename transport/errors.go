package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/lanmesh/peer"
)

var (
	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownPeer indicates an invite target with no known address.
	ErrUnknownPeer = errors.New("peer not discovered")
	// ErrNoRoute indicates a send to a peer outside the session.
	ErrNoRoute = errors.New("no active session route to peer")
	// ErrRejected indicates the remote peer declined the invitation.
	ErrRejected = errors.New("invitation rejected")
	// ErrEncryptionRequired indicates a plaintext connection was
	// refused under the required encryption preference.
	ErrEncryptionRequired = errors.New("plaintext session refused, encryption required")
)

// Error is the typed failure returned by transport operations.
type Error struct {
	Op    string
	Peers []peer.ID
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Peers) == 0 {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}

	ids := make([]string, len(e.Peers))
	for i, id := range e.Peers {
		ids[i] = string(id)
	}
	return fmt.Sprintf("transport %s [%s]: %v", e.Op, strings.Join(ids, ", "), e.Err)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, err error, peers ...peer.ID) *Error {
	return &Error{Op: op, Peers: peers, Err: err}
}
