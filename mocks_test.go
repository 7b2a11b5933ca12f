package lanmesh

import (
	"sync"
	"time"

	"github.com/opd-ai/lanmesh/peer"
	"github.com/opd-ai/lanmesh/transport"
)

type sendCall struct {
	payload []byte
	to      []peer.ID
}

type inviteCall struct {
	id      peer.ID
	context []byte
	timeout time.Duration
}

// fakeTransport records every call for assertions and lets tests emit
// transport events by hand.
type fakeTransport struct {
	mu sync.Mutex

	advertiseStarts int
	advertiseStops  int
	browseStarts    int
	browseStops     int
	closed          bool

	connected []peer.ID
	sends     []sendCall
	invites   []inviteCall

	sendErr     error
	inviteErr   error
	inviteBlock chan struct{}

	browseL  transport.BrowseListener
	inviteL  transport.InvitationListener
	sessionL transport.SessionListener
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) StartAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertiseStarts++
	return nil
}

func (f *fakeTransport) StopAdvertising() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertiseStops++
}

func (f *fakeTransport) StartBrowsing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browseStarts++
	return nil
}

func (f *fakeTransport) StopBrowsing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browseStops++
}

func (f *fakeTransport) Invite(id peer.ID, context []byte, timeout time.Duration) error {
	f.mu.Lock()
	f.invites = append(f.invites, inviteCall{id: id, context: context, timeout: timeout})
	block := f.inviteBlock
	err := f.inviteErr
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

func (f *fakeTransport) Send(payload []byte, to []peer.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, sendCall{payload: payload, to: to})
	return nil
}

func (f *fakeTransport) ConnectedPeers() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peer.ID, len(f.connected))
	copy(out, f.connected)
	return out
}

func (f *fakeTransport) SetBrowseListener(l transport.BrowseListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browseL = l
}

func (f *fakeTransport) SetInvitationListener(l transport.InvitationListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inviteL = l
}

func (f *fakeTransport) SetSessionListener(l transport.SessionListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionL = l
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setConnected(ids ...peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = ids
}

func (f *fakeTransport) inviteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites)
}

func (f *fakeTransport) sendCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeTransport) emitFound(id peer.ID, txt []string) {
	f.mu.Lock()
	l := f.browseL
	f.mu.Unlock()
	l.PeerFound(id, txt)
}

func (f *fakeTransport) emitLost(id peer.ID) {
	f.mu.Lock()
	l := f.browseL
	f.mu.Unlock()
	l.PeerLost(id)
}

func (f *fakeTransport) emitInvitation(id peer.ID, context []byte, respond func(bool)) {
	f.mu.Lock()
	l := f.inviteL
	f.mu.Unlock()
	l.InvitationReceived(id, context, respond)
}

func (f *fakeTransport) emitData(id peer.ID, payload []byte) {
	f.mu.Lock()
	l := f.sessionL
	f.mu.Unlock()
	l.DataReceived(id, payload)
}

func (f *fakeTransport) emitState(id peer.ID, state transport.PeerState) {
	f.mu.Lock()
	l := f.sessionL
	f.mu.Unlock()
	l.PeerStateChanged(id, state)
}
