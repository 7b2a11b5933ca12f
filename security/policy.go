// Package security holds the construction-time security policy: the
// local identity material, the session encryption preference, and the
// invitation decision function.
package security

import (
	"github.com/opd-ai/lanmesh/identity"
	"github.com/opd-ai/lanmesh/peer"
)

// EncryptionPreference selects how sessions are protected on the wire.
type EncryptionPreference uint8

const (
	// EncryptionOptional encrypts sessions with peers that advertise
	// support and accepts both encrypted and plaintext invitations.
	EncryptionOptional EncryptionPreference = iota
	// EncryptionRequired encrypts every session and rejects plaintext
	// invitations.
	EncryptionRequired
	// EncryptionNone never encrypts.
	EncryptionNone
)

// String returns a human-readable preference name.
func (e EncryptionPreference) String() string {
	switch e {
	case EncryptionOptional:
		return "optional"
	case EncryptionRequired:
		return "required"
	case EncryptionNone:
		return "none"
	default:
		return "unknown"
	}
}

// DecisionFunc decides an inbound invitation. Implementations must call
// respond exactly once; true joins the inviter's session, false rejects
// it. The call may complete asynchronously at arbitrary lag; the
// transport bounds the invitation's lifetime, not this function.
type DecisionFunc func(p *peer.Peer, context []byte, respond func(accept bool))

// Policy is the immutable security configuration consumed at
// construction time.
type Policy struct {
	// Identity supplies the local identity material. When nil, the
	// session manager loads or creates one from its data directory.
	Identity *identity.Identity

	// Encryption is the session encryption preference.
	Encryption EncryptionPreference

	// AcceptInvitation decides inbound invitations from known peers.
	// When nil, every invitation is accepted.
	AcceptInvitation DecisionFunc
}

// AllowAll returns a decision function that accepts every invitation.
func AllowAll() DecisionFunc {
	return func(_ *peer.Peer, _ []byte, respond func(bool)) {
		respond(true)
	}
}
