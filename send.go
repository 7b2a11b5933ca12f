package lanmesh

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanmesh/peer"
)

// ErrNoPeers indicates a SendTo call with an empty destination set.
var ErrNoPeers = errors.New("no destination peers")

// Broadcast reliably sends payload to every currently connected peer.
// Broadcasting with nobody connected is a benign no-op, not an error.
// Eligibility comes from the transport's live connected set, never from
// the registry.
func (m *Mesh) Broadcast(payload []byte) error {
	ids := m.transport.ConnectedPeers()
	if len(ids) == 0 {
		logrus.Info("Broadcast skipped, no connected peers")
		return nil
	}

	return m.transport.Send(payload, ids)
}

// SendTo reliably sends payload to an explicit subset of peers. The
// set must be non-empty. A transport failure surfaces as a
// *transport.Error and is never retried; delivery is in-order per peer
// with no ordering guarantee across peers.
func (m *Mesh) SendTo(payload []byte, peers []*peer.Peer) error {
	if len(peers) == 0 {
		return ErrNoPeers
	}

	ids := make([]peer.ID, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}

	return m.transport.Send(payload, ids)
}
