package lanmesh

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanmesh/identity"
	"github.com/opd-ai/lanmesh/peer"
	"github.com/opd-ai/lanmesh/transport"
)

// DataCallback is called for every inbound reliable payload, with the
// sender's display name.
type DataCallback func(payload []byte, senderName string)

// PeerCallback is called when a peer is found or lost.
type PeerCallback func(p *peer.Peer)

// PeerStateCallback is called on session membership transitions.
type PeerStateCallback func(id peer.ID, state transport.PeerState)

// StreamCallback is called when a peer opens a named byte stream.
type StreamCallback func(id peer.ID, name string, stream io.ReadCloser)

// ResourceCallback is called when a peer delivers a named resource.
type ResourceCallback func(id peer.ID, name string, data []byte)

// Mesh is the peer-session lifecycle manager. It coordinates the
// browse, advertise and session event sources against one peer
// registry and multiplexes reliable sends across the connected set.
type Mesh struct {
	opts      *Options
	me        *identity.Identity
	registry  *peer.Registry
	transport transport.Transport

	mu      sync.Mutex
	invited map[peer.ID]struct{}

	cbMu        sync.RWMutex
	dataCb      DataCallback
	peerFoundCb PeerCallback
	peerLostCb  PeerCallback
	stateCb     PeerStateCallback
	streamCb    StreamCallback
	resourceCb  ResourceCallback
}

// New creates a Mesh backed by the standard LAN transport (mDNS
// discovery, TCP sessions). The local identity comes from the security
// policy when set, otherwise it is loaded from, or created under,
// Options.DataDir.
func New(opts *Options) (*Mesh, error) {
	if opts == nil {
		opts = NewOptions()
	}

	me := opts.Security.Identity
	if me == nil {
		var err error
		me, err = identity.Load(opts.DataDir, opts.DisplayName)
		if err != nil {
			return nil, err
		}
	}
	if me.DisplayName == "" {
		me.DisplayName = opts.DisplayName
	}

	tr, err := transport.NewLAN(transport.Config{
		Identity:    me,
		ServiceType: opts.ServiceType,
		Info:        opts.DiscoveryInfo,
		Encryption:  opts.Security.Encryption,
		PeerTTL:     opts.PeerTTL,
	})
	if err != nil {
		return nil, err
	}

	return newMesh(opts, me, tr), nil
}

// NewWithTransport creates a Mesh on a caller-supplied transport. A nil
// identity gets an ephemeral one.
func NewWithTransport(opts *Options, me *identity.Identity, tr transport.Transport) (*Mesh, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if me == nil {
		var err error
		me, err = identity.Generate(opts.DisplayName)
		if err != nil {
			return nil, err
		}
	}
	return newMesh(opts, me, tr), nil
}

func newMesh(opts *Options, me *identity.Identity, tr transport.Transport) *Mesh {
	m := &Mesh{
		opts:      opts,
		me:        me,
		registry:  peer.NewRegistry(),
		transport: tr,
		invited:   make(map[peer.ID]struct{}),
	}

	// Three independent listener registrations funneled into one
	// synchronized coordinator.
	tr.SetBrowseListener(browseEvents{m})
	tr.SetInvitationListener(invitationEvents{m})
	tr.SetSessionListener(sessionEvents{m})

	logrus.WithFields(logrus.Fields{
		"function": "newMesh",
		"local_id": me.ID,
		"mode":     opts.Mode,
		"service":  opts.ServiceType,
	}).Info("Mesh created")

	return m
}

// Me returns the stable local identity.
func (m *Mesh) Me() *identity.Identity {
	return m.me
}

// Peers returns a snapshot of the currently discovered peers.
func (m *Mesh) Peers() []*peer.Peer {
	return m.registry.Snapshot()
}

// ConnectedPeers returns the identifiers currently in the session.
func (m *Mesh) ConnectedPeers() []peer.ID {
	return m.transport.ConnectedPeers()
}

// Resume starts advertising when receiver mode is configured and
// browsing when transmitter mode is configured. Idempotent; activities
// outside the configured mode never start.
func (m *Mesh) Resume() {
	if m.opts.Mode.Has(ModeReceiver) {
		if err := m.transport.StartAdvertising(); err != nil {
			logrus.WithError(err).Warn("Failed to start advertising")
		}
	}
	if m.opts.Mode.Has(ModeTransmitter) {
		if err := m.transport.StartBrowsing(); err != nil {
			logrus.WithError(err).Warn("Failed to start browsing")
		}
	}
}

// Stop halts advertising and browsing regardless of prior state.
// Idempotent. Established sessions and in-flight sends are unaffected.
func (m *Mesh) Stop() {
	m.transport.StopAdvertising()
	m.transport.StopBrowsing()
}

// Close stops all activity and tears down every session.
func (m *Mesh) Close() error {
	return m.transport.Close()
}

// OnDataReceived registers the inbound payload callback.
func (m *Mesh) OnDataReceived(cb DataCallback) {
	m.cbMu.Lock()
	m.dataCb = cb
	m.cbMu.Unlock()
}

// OnPeerFound registers the discovery callback.
func (m *Mesh) OnPeerFound(cb PeerCallback) {
	m.cbMu.Lock()
	m.peerFoundCb = cb
	m.cbMu.Unlock()
}

// OnPeerLost registers the loss callback.
func (m *Mesh) OnPeerLost(cb PeerCallback) {
	m.cbMu.Lock()
	m.peerLostCb = cb
	m.cbMu.Unlock()
}

// OnPeerStateChange registers an optional callback for session
// membership transitions.
func (m *Mesh) OnPeerStateChange(cb PeerStateCallback) {
	m.cbMu.Lock()
	m.stateCb = cb
	m.cbMu.Unlock()
}

// OnStreamReceived registers the pass-through stream callback.
func (m *Mesh) OnStreamReceived(cb StreamCallback) {
	m.cbMu.Lock()
	m.streamCb = cb
	m.cbMu.Unlock()
}

// OnResourceReceived registers the pass-through resource callback.
func (m *Mesh) OnResourceReceived(cb ResourceCallback) {
	m.cbMu.Lock()
	m.resourceCb = cb
	m.cbMu.Unlock()
}

// handlePeerFound registers a discovered peer and issues an invitation.
// Malformed discovery info drops the peer before it is ever surfaced.
func (m *Mesh) handlePeerFound(id peer.ID, txt []string) {
	p, err := peer.FromTXT(id, txt)
	if err != nil {
		logrus.WithError(err).WithField("peer_id", id).
			Warn("Dropping peer with malformed discovery info")
		return
	}

	m.registry.Add(p)

	m.cbMu.RLock()
	cb := m.peerFoundCb
	m.cbMu.RUnlock()
	if cb != nil {
		cb(p)
	}

	m.invitePeer(id)
}

// invitePeer issues an invitation without blocking the event source.
func (m *Mesh) invitePeer(id peer.ID) {
	if m.opts.DeduplicateInvites && m.engaged(id) {
		logrus.WithField("peer_id", id).Debug("Suppressing duplicate invitation")
		return
	}

	m.mu.Lock()
	m.invited[id] = struct{}{}
	m.mu.Unlock()

	go func() {
		err := m.transport.Invite(id, m.opts.InvitationContext, m.opts.InvitationTimeout)

		m.mu.Lock()
		delete(m.invited, id)
		m.mu.Unlock()

		if err != nil {
			logrus.WithError(err).WithField("peer_id", id).Debug("Invitation failed")
		}
	}()
}

// engaged reports whether id is connected or has an invitation in
// flight.
func (m *Mesh) engaged(id peer.ID) bool {
	m.mu.Lock()
	_, inflight := m.invited[id]
	m.mu.Unlock()
	if inflight {
		return true
	}

	for _, connected := range m.transport.ConnectedPeers() {
		if connected == id {
			return true
		}
	}
	return false
}

// handlePeerLost removes a lost peer. Remove claims the entry in one
// critical section, so concurrent loss events for the same identifier
// surface exactly one callback. Loss events for unknown identifiers are
// benign races and ignored.
func (m *Mesh) handlePeerLost(id peer.ID) {
	p, ok := m.registry.Remove(id)
	if !ok {
		logrus.WithField("peer_id", id).Debug("Ignoring loss of unknown peer")
		return
	}

	m.cbMu.RLock()
	cb := m.peerLostCb
	m.cbMu.RUnlock()
	if cb != nil {
		cb(p)
	}
}

// handleInvitation delegates the decision to the security policy.
// Invitations from peers not in the registry are dropped; that happens
// when loss raced discovery.
func (m *Mesh) handleInvitation(id peer.ID, context []byte, respond func(accept bool)) {
	p, ok := m.registry.Get(id)
	if !ok {
		logrus.WithField("peer_id", id).Debug("Ignoring invitation from unknown peer")
		return
	}

	// The policy's completion function resolves exactly once no matter
	// how often it is called.
	var once sync.Once
	decide := func(accept bool) {
		once.Do(func() {
			logrus.WithFields(logrus.Fields{
				"peer_id": id,
				"accept":  accept,
			}).Debug("Invitation decided")
			respond(accept)
		})
	}

	fn := m.opts.Security.AcceptInvitation
	if fn == nil {
		decide(true)
		return
	}
	fn(p, context, decide)
}

// handleData forwards an inbound payload with the sender's display
// name, falling back to the raw identifier for peers whose session
// outlived their advertisement.
func (m *Mesh) handleData(id peer.ID, payload []byte) {
	name := string(id)
	if p, ok := m.registry.Get(id); ok {
		name = p.DisplayName
	}

	m.cbMu.RLock()
	cb := m.dataCb
	m.cbMu.RUnlock()
	if cb != nil {
		cb(payload, name)
	}
}

func (m *Mesh) handleState(id peer.ID, state transport.PeerState) {
	logrus.WithFields(logrus.Fields{
		"peer_id": id,
		"state":   state,
	}).Trace("Session state change")

	m.cbMu.RLock()
	cb := m.stateCb
	m.cbMu.RUnlock()
	if cb != nil {
		cb(id, state)
	}
}

func (m *Mesh) handleStream(id peer.ID, name string, stream io.ReadCloser) {
	m.cbMu.RLock()
	cb := m.streamCb
	m.cbMu.RUnlock()
	if cb == nil {
		stream.Close()
		return
	}
	cb(id, name, stream)
}

func (m *Mesh) handleResource(id peer.ID, name string, data []byte) {
	m.cbMu.RLock()
	cb := m.resourceCb
	m.cbMu.RUnlock()
	if cb != nil {
		cb(id, name, data)
	}
}

// browseEvents, invitationEvents and sessionEvents keep the three
// transport event sources as separate listener registrations instead of
// one monolithic multi-interface type.
type browseEvents struct{ m *Mesh }

func (e browseEvents) PeerFound(id peer.ID, txt []string) { e.m.handlePeerFound(id, txt) }
func (e browseEvents) PeerLost(id peer.ID)                { e.m.handlePeerLost(id) }

type invitationEvents struct{ m *Mesh }

func (e invitationEvents) InvitationReceived(id peer.ID, context []byte, respond func(bool)) {
	e.m.handleInvitation(id, context, respond)
}

type sessionEvents struct{ m *Mesh }

func (e sessionEvents) DataReceived(id peer.ID, payload []byte) { e.m.handleData(id, payload) }
func (e sessionEvents) PeerStateChanged(id peer.ID, state transport.PeerState) {
	e.m.handleState(id, state)
}
func (e sessionEvents) StreamReceived(id peer.ID, name string, stream io.ReadCloser) {
	e.m.handleStream(id, name, stream)
}
func (e sessionEvents) ResourceReceived(id peer.ID, name string, data []byte) {
	e.m.handleResource(id, name, data)
}
