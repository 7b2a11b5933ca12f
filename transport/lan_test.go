package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanmesh/identity"
	"github.com/opd-ai/lanmesh/peer"
	"github.com/opd-ai/lanmesh/security"
)

type dataEvent struct {
	id      peer.ID
	payload []byte
}

type stateEvent struct {
	id    peer.ID
	state PeerState
}

type inviteEvent struct {
	id      peer.ID
	context []byte
	respond func(bool)
}

// recorder implements all three listener interfaces over channels.
type recorder struct {
	data    chan dataEvent
	states  chan stateEvent
	invites chan inviteEvent
}

func newRecorder() *recorder {
	return &recorder{
		data:    make(chan dataEvent, 16),
		states:  make(chan stateEvent, 16),
		invites: make(chan inviteEvent, 16),
	}
}

func (r *recorder) PeerFound(peer.ID, []string) {}
func (r *recorder) PeerLost(peer.ID)            {}

func (r *recorder) InvitationReceived(id peer.ID, context []byte, respond func(bool)) {
	r.invites <- inviteEvent{id, context, respond}
}

func (r *recorder) DataReceived(id peer.ID, payload []byte) {
	r.data <- dataEvent{id, payload}
}

func (r *recorder) PeerStateChanged(id peer.ID, state PeerState) {
	r.states <- stateEvent{id, state}
}

func (r *recorder) StreamReceived(id peer.ID, name string, stream io.ReadCloser) {
	stream.Close()
}

func (r *recorder) ResourceReceived(peer.ID, string, []byte) {}

func newTestLAN(t *testing.T, name string, enc security.EncryptionPreference) (*LAN, *recorder) {
	t.Helper()

	me, err := identity.Generate(name)
	require.NoError(t, err)

	lan, err := NewLAN(Config{
		Identity:    me,
		ServiceType: "lanmeshtest",
		Encryption:  enc,
	})
	require.NoError(t, err)
	t.Cleanup(func() { lan.Close() })

	rec := newRecorder()
	lan.SetBrowseListener(rec)
	lan.SetInvitationListener(rec)
	lan.SetSessionListener(rec)
	return lan, rec
}

// introduce tells a about b's session address, standing in for a
// browse round.
func introduce(t *testing.T, a, b *LAN) {
	t.Helper()

	port := b.listener.Addr().(*net.TCPAddr).Port
	a.mu.Lock()
	a.addrs[b.localID] = fmt.Sprintf("127.0.0.1:%d", port)
	a.mu.Unlock()
}

func acceptAll(rec *recorder) {
	go func() {
		for ev := range rec.invites {
			ev.respond(true)
		}
	}()
}

func awaitState(t *testing.T, rec *recorder, want PeerState) peer.ID {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-rec.states:
			if ev.state == want {
				return ev.id
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestLAN_InviteAcceptAndExchange(t *testing.T) {
	a, recA := newTestLAN(t, "Alice", security.EncryptionNone)
	b, recB := newTestLAN(t, "Bob", security.EncryptionNone)
	introduce(t, a, b)
	acceptAll(recB)

	err := a.Invite(b.localID, []byte("join"), 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, []peer.ID{b.localID}, a.ConnectedPeers())
	awaitState(t, recB, StateConnected)
	assert.Equal(t, []peer.ID{a.localID}, b.ConnectedPeers())

	require.NoError(t, a.Send([]byte("ping"), []peer.ID{b.localID}))
	ev := <-recB.data
	assert.Equal(t, a.localID, ev.id)
	assert.Equal(t, []byte("ping"), ev.payload)

	require.NoError(t, b.Send([]byte("pong"), []peer.ID{a.localID}))
	ev = <-recA.data
	assert.Equal(t, b.localID, ev.id)
	assert.Equal(t, []byte("pong"), ev.payload)
}

func TestLAN_InvitationCarriesContext(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionNone)
	b, recB := newTestLAN(t, "Bob", security.EncryptionNone)
	introduce(t, a, b)

	go a.Invite(b.localID, []byte("secret-room"), 2*time.Second)

	ev := <-recB.invites
	assert.Equal(t, a.localID, ev.id)
	assert.Equal(t, []byte("secret-room"), ev.context)
	ev.respond(true)
}

func TestLAN_InviteRejected(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionNone)
	b, recB := newTestLAN(t, "Bob", security.EncryptionNone)
	introduce(t, a, b)

	go func() {
		ev := <-recB.invites
		ev.respond(false)
	}()

	err := a.Invite(b.localID, nil, 2*time.Second)
	require.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, a.ConnectedPeers())
	assert.Empty(t, b.ConnectedPeers())
}

func TestLAN_InviteUnknownPeer(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionNone)

	err := a.Invite("nobody", nil, time.Second)

	require.ErrorIs(t, err, ErrUnknownPeer)
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, []peer.ID{"nobody"}, terr.Peers)
}

func TestLAN_InviteStateTransitions(t *testing.T) {
	a, recA := newTestLAN(t, "Alice", security.EncryptionNone)
	b, recB := newTestLAN(t, "Bob", security.EncryptionNone)
	introduce(t, a, b)
	acceptAll(recB)

	require.NoError(t, a.Invite(b.localID, nil, 2*time.Second))

	ev := <-recA.states
	assert.Equal(t, StateInviting, ev.state)
	ev = <-recA.states
	assert.Equal(t, StateConnected, ev.state)
}

func TestLAN_DisconnectReported(t *testing.T) {
	a, recA := newTestLAN(t, "Alice", security.EncryptionNone)
	b, recB := newTestLAN(t, "Bob", security.EncryptionNone)
	introduce(t, a, b)
	acceptAll(recB)

	require.NoError(t, a.Invite(b.localID, nil, 2*time.Second))
	awaitState(t, recA, StateConnected)

	b.Close()

	awaitState(t, recA, StateDisconnected)
	assert.Empty(t, a.ConnectedPeers())
}

func TestLAN_SendNoRoute(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionNone)

	err := a.Send([]byte("hello"), []peer.ID{"ghost"})

	require.ErrorIs(t, err, ErrNoRoute)
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, []peer.ID{"ghost"}, terr.Peers)
}

func TestLAN_EncryptedExchange(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionRequired)
	b, recB := newTestLAN(t, "Bob", security.EncryptionRequired)
	introduce(t, a, b)
	acceptAll(recB)

	require.NoError(t, a.Invite(b.localID, nil, 2*time.Second))

	require.NoError(t, a.Send([]byte("classified"), []peer.ID{b.localID}))
	ev := <-recB.data
	assert.Equal(t, []byte("classified"), ev.payload)
}

func TestLAN_PlaintextRefusedWhenRequired(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionNone)
	b, recB := newTestLAN(t, "Bob", security.EncryptionRequired)
	introduce(t, a, b)
	acceptAll(recB)

	err := a.Invite(b.localID, nil, 2*time.Second)

	require.Error(t, err)
	assert.Empty(t, b.ConnectedPeers())
}

func TestLAN_OptionalEncryptsTowardWillingPeers(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionOptional)
	b, recB := newTestLAN(t, "Bob", security.EncryptionRequired)
	introduce(t, a, b)
	acceptAll(recB)

	// Browse would have recorded b's sec flag; stand in for it.
	a.mu.Lock()
	a.secPeers[b.localID] = true
	a.mu.Unlock()

	require.NoError(t, a.Invite(b.localID, nil, 2*time.Second))
	require.NoError(t, a.Send([]byte("hi"), []peer.ID{b.localID}))
	ev := <-recB.data
	assert.Equal(t, []byte("hi"), ev.payload)
}

func TestLAN_UndecidedInvitationDoesNotConnect(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionNone)
	b, recB := newTestLAN(t, "Bob", security.EncryptionNone)
	introduce(t, a, b)

	// The decision never comes; the initiator's timeout bounds the
	// invitation.
	go a.Invite(b.localID, nil, 300*time.Millisecond)

	ev := <-recB.invites
	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, a.ConnectedPeers())
	assert.Empty(t, b.ConnectedPeers())
	_ = ev
}

func TestLAN_SendAfterCloseFails(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionNone)
	require.NoError(t, a.Close())

	err := a.Send([]byte("x"), []peer.ID{"anyone"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestLAN_CloseIdempotent(t *testing.T) {
	a, _ := newTestLAN(t, "Alice", security.EncryptionNone)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
