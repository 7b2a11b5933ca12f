package lanmesh

import (
	"os"
	"time"

	"github.com/opd-ai/lanmesh/security"
)

// Mode selects which discovery activities a Mesh runs.
type Mode uint8

const (
	// ModeReceiver advertises the local peer so others can find and
	// invite it.
	ModeReceiver Mode = 1 << iota
	// ModeTransmitter browses for nearby peers and invites them.
	ModeTransmitter
)

// ModeBoth advertises and browses at the same time.
const ModeBoth = ModeReceiver | ModeTransmitter

// Has reports whether m includes flag.
func (m Mode) Has(flag Mode) bool {
	return m&flag != 0
}

// Options contains configuration for creating a Mesh. It is consumed
// at construction and immutable afterwards.
type Options struct {
	// Mode selects the discovery activities started by Resume.
	// An activity outside the configured mode never runs and never
	// produces events.
	Mode Mode

	// ServiceType is the discovery namespace, a short mDNS-safe
	// identifier shared by all peers of one application.
	ServiceType string

	// DisplayName is the human-readable label shown to peers.
	// Defaults to the hostname.
	DisplayName string

	// DiscoveryInfo is attached to the local advertisement as opaque
	// key/value pairs for peers to read.
	DiscoveryInfo map[string]string

	// DataDir is where the local identity persists across restarts.
	// Empty means an ephemeral identity.
	DataDir string

	// Security carries identity material, the encryption preference
	// and the invitation decision policy.
	Security security.Policy

	// InvitationTimeout bounds each outbound invitation.
	InvitationTimeout time.Duration

	// InvitationContext is an opaque blob delivered with every
	// outbound invitation for the remote policy to inspect.
	InvitationContext []byte

	// DeduplicateInvites suppresses invitations to peers that are
	// already connected or have an invitation in flight. The default
	// (false) re-invites on every found event, matching the historical
	// behavior of always re-engaging a reappearing peer.
	DeduplicateInvites bool

	// PeerTTL is how long a discovered peer stays visible without
	// being re-seen before a lost event fires. Zero uses the transport
	// default.
	PeerTTL time.Duration
}

// NewOptions creates Options with defaults: both modes, the "lanmesh"
// namespace, a 30 second invitation timeout, and an accept-all policy.
func NewOptions() *Options {
	name, _ := os.Hostname()

	return &Options{
		Mode:              ModeBoth,
		ServiceType:       "lanmesh",
		DisplayName:       name,
		InvitationTimeout: 30 * time.Second,
		Security: security.Policy{
			Encryption:       security.EncryptionOptional,
			AcceptInvitation: security.AllowAll(),
		},
	}
}
