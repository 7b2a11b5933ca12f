package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanmesh/peer"
	"github.com/opd-ai/lanmesh/security"
)

const (
	// DefaultInvitationTimeout bounds an outbound invitation when the
	// caller passes no timeout.
	DefaultInvitationTimeout = 30 * time.Second

	// inboundInviteTimeout bounds an inbound invitation from accept to
	// decision; unresolved invitations are dropped when it expires.
	inboundInviteTimeout = 30 * time.Second
)

// LAN is the concrete Transport for a single local network segment:
// mDNS for advertise/browse, TCP for sessions.
type LAN struct {
	cfg     Config
	localID peer.ID
	ttl     time.Duration

	listener net.Listener

	mu       sync.RWMutex
	conns    map[peer.ID]*lanSession
	addrs    map[peer.ID]string
	seen     map[peer.ID]time.Time
	secPeers map[peer.ID]bool

	advMu      sync.Mutex
	advertiser *zeroconf.Server

	browseMu     sync.Mutex
	browseCancel context.CancelFunc

	lmu      sync.RWMutex
	browseL  BrowseListener
	inviteL  InvitationListener
	sessionL SessionListener

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

type lanSession struct {
	id   peer.ID
	name string
	fc   frameConn
}

var _ Transport = (*LAN)(nil)

// NewLAN creates a LAN transport bound to an ephemeral TCP port. The
// port is announced via mDNS once advertising starts; the listener
// itself runs for the transport's whole lifetime so accepted sessions
// survive StopAdvertising.
func NewLAN(cfg Config) (*LAN, error) {
	if cfg.Identity == nil {
		return nil, errors.New("transport requires a local identity")
	}
	if err := ValidateServiceType(cfg.ServiceType); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("bind session listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &LAN{
		cfg:      cfg,
		localID:  peer.ID(cfg.Identity.ID),
		ttl:      cfg.PeerTTL,
		listener: listener,
		conns:    make(map[peer.ID]*lanSession),
		addrs:    make(map[peer.ID]string),
		seen:     make(map[peer.ID]time.Time),
		secPeers: make(map[peer.ID]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	if t.ttl <= 0 {
		t.ttl = DefaultPeerTTL
	}

	go t.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewLAN",
		"local_id": t.localID,
		"addr":     listener.Addr().String(),
		"service":  cfg.ServiceType,
	}).Info("LAN transport ready")

	return t, nil
}

func (t *LAN) SetBrowseListener(l BrowseListener) {
	t.lmu.Lock()
	t.browseL = l
	t.lmu.Unlock()
}

func (t *LAN) SetInvitationListener(l InvitationListener) {
	t.lmu.Lock()
	t.inviteL = l
	t.lmu.Unlock()
}

func (t *LAN) SetSessionListener(l SessionListener) {
	t.lmu.Lock()
	t.sessionL = l
	t.lmu.Unlock()
}

func (t *LAN) browseListener() BrowseListener {
	t.lmu.RLock()
	defer t.lmu.RUnlock()
	return t.browseL
}

func (t *LAN) invitationListener() InvitationListener {
	t.lmu.RLock()
	defer t.lmu.RUnlock()
	return t.inviteL
}

func (t *LAN) sessionListener() SessionListener {
	t.lmu.RLock()
	defer t.lmu.RUnlock()
	return t.sessionL
}

func (t *LAN) emitState(id peer.ID, state PeerState) {
	logrus.WithFields(logrus.Fields{
		"peer_id": id,
		"state":   state,
	}).Trace("Peer session state changed")

	if l := t.sessionListener(); l != nil {
		l.PeerStateChanged(id, state)
	}
}

// Invite dials the discovered peer and asks it to join the session.
// It blocks until the peer answers or timeout elapses.
func (t *LAN) Invite(id peer.ID, inviteCtx []byte, timeout time.Duration) error {
	if t.closed.Load() {
		return opError("invite", ErrClosed, id)
	}

	t.mu.RLock()
	addr, ok := t.addrs[id]
	t.mu.RUnlock()
	if !ok {
		return opError("invite", ErrUnknownPeer, id)
	}

	if timeout <= 0 {
		timeout = DefaultInvitationTimeout
	}

	t.emitState(id, StateInviting)

	fc, err := t.dialSession(id, addr, inviteCtx, timeout)
	if err != nil {
		t.emitState(id, StateDisconnected)
		return opError("invite", err, id)
	}

	t.register(&lanSession{id: id, fc: fc})
	return nil
}

func (t *LAN) dialSession(id peer.ID, addr string, inviteCtx []byte, timeout time.Duration) (frameConn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	var fc frameConn = newPlainConn(conn)
	if t.encryptOutbound(id) {
		nc, err := clientHandshake(fc.(*plainConn), t.staticKey())
		if err != nil {
			conn.Close()
			return nil, err
		}
		fc = nc
	}

	body, err := json.Marshal(invitePayload{
		ID:      string(t.localID),
		Name:    t.cfg.Identity.DisplayName,
		Context: inviteCtx,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := fc.writeFrame(frameInvite, body); err != nil {
		conn.Close()
		return nil, err
	}

	ft, resp, err := fc.readFrame()
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch ft {
	case frameAccept:
		var accept acceptPayload
		if err := json.Unmarshal(resp, &accept); err != nil {
			conn.Close()
			return nil, fmt.Errorf("parse accept: %w", err)
		}
		if accept.ID != string(id) {
			conn.Close()
			return nil, fmt.Errorf("accept from unexpected peer %q", accept.ID)
		}
	case frameReject:
		conn.Close()
		return nil, ErrRejected
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected frame 0x%02x in invite response", byte(ft))
	}

	if err := fc.setDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return fc, nil
}

// encryptOutbound decides whether a session toward id starts with a
// Noise handshake.
func (t *LAN) encryptOutbound(id peer.ID) bool {
	switch t.cfg.Encryption {
	case security.EncryptionRequired:
		return true
	case security.EncryptionNone:
		return false
	default:
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.secPeers[id]
	}
}

func (t *LAN) staticKey() noise.DHKey {
	return noise.DHKey{
		Private: t.cfg.Identity.PrivateKey[:],
		Public:  t.cfg.Identity.PublicKey[:],
	}
}

func (t *LAN) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if !t.closed.Load() {
				logrus.WithError(err).Warn("Session listener accept failed")
			}
			return
		}
		go t.handleInbound(conn)
	}
}

func (t *LAN) handleInbound(conn net.Conn) {
	if err := conn.SetDeadline(time.Now().Add(inboundInviteTimeout)); err != nil {
		conn.Close()
		return
	}

	pc := newPlainConn(conn)
	ft, body, err := pc.readFrame()
	if err != nil {
		conn.Close()
		return
	}

	var fc frameConn = pc
	switch {
	case ft == frameNoise:
		if t.cfg.Encryption == security.EncryptionNone {
			logrus.WithField("remote", conn.RemoteAddr().String()).
				Debug("Dropping encrypted session under none preference")
			conn.Close()
			return
		}
		nc, err := serverHandshake(pc, t.staticKey(), body)
		if err != nil {
			logrus.WithError(err).Debug("Inbound handshake failed")
			conn.Close()
			return
		}
		fc = nc
		if ft, body, err = fc.readFrame(); err != nil {
			conn.Close()
			return
		}
	case t.cfg.Encryption == security.EncryptionRequired:
		logrus.WithField("remote", conn.RemoteAddr().String()).
			Warn("Dropping plaintext session, encryption required")
		conn.Close()
		return
	}

	if ft != frameInvite {
		conn.Close()
		return
	}

	var inv invitePayload
	if err := json.Unmarshal(body, &inv); err != nil || inv.ID == "" {
		logrus.WithError(err).Debug("Malformed invite frame")
		conn.Close()
		return
	}
	id := peer.ID(inv.ID)

	l := t.invitationListener()
	if l == nil {
		conn.Close()
		return
	}

	var resolved atomic.Bool
	respond := func(accept bool) {
		if !resolved.CompareAndSwap(false, true) {
			return
		}
		if !accept {
			fc.writeFrame(frameReject, nil)
			fc.Close()
			return
		}

		ab, err := json.Marshal(acceptPayload{
			ID:   string(t.localID),
			Name: t.cfg.Identity.DisplayName,
		})
		if err == nil {
			err = fc.writeFrame(frameAccept, ab)
		}
		if err != nil {
			logrus.WithError(err).WithField("peer_id", id).Debug("Failed to accept invitation")
			fc.Close()
			return
		}

		fc.setDeadline(time.Time{})
		t.register(&lanSession{id: id, name: inv.Name, fc: fc})
	}

	// Unresolved invitations are dropped, not leaked.
	time.AfterFunc(inboundInviteTimeout, func() {
		if resolved.CompareAndSwap(false, true) {
			logrus.WithField("peer_id", id).Debug("Invitation expired undecided")
			fc.Close()
		}
	})

	l.InvitationReceived(id, inv.Context, respond)
}

func (t *LAN) register(s *lanSession) {
	t.mu.Lock()
	if old, ok := t.conns[s.id]; ok {
		old.fc.Close()
	}
	t.conns[s.id] = s
	t.mu.Unlock()

	t.emitState(s.id, StateConnected)
	go t.readLoop(s)
}

func (t *LAN) readLoop(s *lanSession) {
	for {
		ft, body, err := s.fc.readFrame()
		if err != nil {
			break
		}

		switch ft {
		case frameData:
			if l := t.sessionListener(); l != nil {
				l.DataReceived(s.id, body)
			}
		default:
			logrus.WithFields(logrus.Fields{
				"peer_id": s.id,
				"frame":   fmt.Sprintf("0x%02x", byte(ft)),
			}).Debug("Ignoring unexpected frame")
		}
	}

	s.fc.Close()

	t.mu.Lock()
	current := t.conns[s.id] == s
	if current {
		delete(t.conns, s.id)
	}
	t.mu.Unlock()

	// A replaced session must not report the replacement as gone.
	if current && !t.closed.Load() {
		t.emitState(s.id, StateDisconnected)
	}
}

// Send reliably delivers payload to every listed peer. Delivery is
// in-order per peer; nothing is guaranteed across peers. Any failure
// surfaces as a *Error and is never retried here.
func (t *LAN) Send(payload []byte, to []peer.ID) error {
	if t.closed.Load() {
		return opError("send", ErrClosed, to...)
	}

	t.mu.RLock()
	sessions := make([]*lanSession, 0, len(to))
	var missing []peer.ID
	for _, id := range to {
		if s, ok := t.conns[id]; ok {
			sessions = append(sessions, s)
		} else {
			missing = append(missing, id)
		}
	}
	t.mu.RUnlock()

	if len(missing) > 0 {
		return opError("send", ErrNoRoute, missing...)
	}

	for _, s := range sessions {
		if err := s.fc.writeFrame(frameData, payload); err != nil {
			return opError("send", err, s.id)
		}
	}
	return nil
}

// ConnectedPeers returns the live session membership.
func (t *LAN) ConnectedPeers() []peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]peer.ID, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close stops discovery, the listener, and every session.
func (t *LAN) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.cancel()
	t.StopAdvertising()
	t.StopBrowsing()
	err := t.listener.Close()

	t.mu.Lock()
	for _, s := range t.conns {
		s.fc.Close()
	}
	t.conns = make(map[peer.ID]*lanSession)
	t.mu.Unlock()

	logrus.WithField("local_id", t.localID).Info("LAN transport closed")
	return err
}
