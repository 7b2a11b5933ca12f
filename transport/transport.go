// Package transport provides the advertise/browse/session primitives
// the session manager is built on.
//
// The package exposes a Transport interface with three independent
// listener registrations (browse, invitation, session) so the three
// underlying event sources stay separate at the boundary, plus a
// concrete LAN implementation that advertises and browses over mDNS
// and carries sessions over TCP, optionally wrapped in Noise-XX
// encryption.
//
// Events may be delivered concurrently from different goroutines and
// in no guaranteed relative order; consumers must synchronize their
// own state.
package transport

import (
	"io"
	"time"

	"github.com/opd-ai/lanmesh/identity"
	"github.com/opd-ai/lanmesh/peer"
	"github.com/opd-ai/lanmesh/security"
)

// PeerState describes the session state of a remote peer as reported
// by the transport.
type PeerState uint8

const (
	// StateDiscovered means the peer has been seen via browsing only.
	StateDiscovered PeerState = iota
	// StateInviting means an invitation to the peer is in flight.
	StateInviting
	// StateConnected means the peer is part of the session and
	// eligible for sends.
	StateConnected
	// StateDisconnected means the peer left the session.
	StateDisconnected
)

// String returns a human-readable state name.
func (s PeerState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateInviting:
		return "inviting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// BrowseListener receives discovery events from the browse source.
type BrowseListener interface {
	// PeerFound reports a newly visible peer with its raw discovery
	// info (mDNS TXT records), unparsed.
	PeerFound(id peer.ID, txt []string)

	// PeerLost reports that a peer's advertisement expired.
	PeerLost(id peer.ID)
}

// InvitationListener receives inbound invitations from the advertise
// source. respond must be called to resolve the invitation; an
// unresolved invitation is dropped when the transport's handshake
// deadline expires.
type InvitationListener interface {
	InvitationReceived(id peer.ID, context []byte, respond func(accept bool))
}

// SessionListener receives events from established sessions.
type SessionListener interface {
	// DataReceived reports an inbound reliable payload.
	DataReceived(id peer.ID, payload []byte)

	// PeerStateChanged reports session membership transitions.
	PeerStateChanged(id peer.ID, state PeerState)

	// StreamReceived and ResourceReceived are pass-through seams for
	// byte streams and named resources; the session manager attaches
	// no logic to them.
	StreamReceived(id peer.ID, name string, stream io.ReadCloser)
	ResourceReceived(id peer.ID, name string, data []byte)
}

// Transport is the boundary the session manager drives.
type Transport interface {
	// StartAdvertising begins announcing the local peer; idempotent.
	StartAdvertising() error
	// StopAdvertising halts announcements; idempotent. Established
	// sessions are unaffected.
	StopAdvertising()

	// StartBrowsing begins watching for nearby peers; idempotent.
	StartBrowsing() error
	// StopBrowsing halts watching; idempotent.
	StopBrowsing()

	// Invite asks a discovered peer to join the session, carrying an
	// opaque context blob. It blocks until the peer responds or the
	// timeout elapses.
	Invite(id peer.ID, context []byte, timeout time.Duration) error

	// Send reliably delivers payload to every listed peer. The error,
	// if any, is a *Error.
	Send(payload []byte, to []peer.ID) error

	// ConnectedPeers returns the current session membership.
	ConnectedPeers() []peer.ID

	SetBrowseListener(l BrowseListener)
	SetInvitationListener(l InvitationListener)
	SetSessionListener(l SessionListener)

	// Close stops all activity and tears down every session.
	Close() error
}

// Config configures the LAN transport.
type Config struct {
	// Identity is the local identity advertised to peers and used as
	// static key material for encrypted sessions.
	Identity *identity.Identity

	// ServiceType is the mDNS service namespace, e.g. "lanmesh" for
	// "_lanmesh._tcp". See ValidateServiceType.
	ServiceType string

	// Info is the discovery info attached to advertisements. The
	// display name record is added automatically.
	Info map[string]string

	// Encryption is the session encryption preference.
	Encryption security.EncryptionPreference

	// PeerTTL is how long a browsed peer stays visible without being
	// re-seen before a lost event fires. Zero means DefaultPeerTTL.
	PeerTTL time.Duration
}
