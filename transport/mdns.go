package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanmesh/peer"
	"github.com/opd-ai/lanmesh/security"
)

const (
	// DefaultPeerTTL is how long a browsed peer stays visible without
	// being re-seen before it is reported lost.
	DefaultPeerTTL = 30 * time.Second

	// browseCycle is the length of one query/collect round. Each round
	// re-queries the network, which doubles as the keepalive that
	// refreshes last-seen times.
	browseCycle = 10 * time.Second

	// secInfoKey marks advertisements of peers willing to speak
	// encrypted sessions.
	secInfoKey = "sec"
)

// ValidateServiceType checks the mDNS service namespace: 1-15
// characters, lowercase letters, digits and inner hyphens.
func ValidateServiceType(s string) error {
	if len(s) == 0 || len(s) > 15 {
		return fmt.Errorf("service type %q: must be 1-15 characters", s)
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return fmt.Errorf("service type %q: leading or trailing hyphen", s)
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return fmt.Errorf("service type %q: invalid character %q", s, c)
		}
	}
	return nil
}

func mdnsService(serviceType string) string {
	return "_" + serviceType + "._tcp"
}

// StartAdvertising registers the local peer on mDNS. Idempotent.
func (t *LAN) StartAdvertising() error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.advMu.Lock()
	defer t.advMu.Unlock()

	if t.advertiser != nil {
		return nil
	}

	info := make(map[string]string, len(t.cfg.Info)+2)
	for k, v := range t.cfg.Info {
		info[k] = v
	}
	info[peer.DisplayNameKey] = t.cfg.Identity.DisplayName
	if t.cfg.Encryption != security.EncryptionNone {
		info[secInfoKey] = "1"
	}

	port := t.listener.Addr().(*net.TCPAddr).Port
	server, err := zeroconf.Register(
		string(t.localID),
		mdnsService(t.cfg.ServiceType),
		"local.",
		port,
		peer.EncodeTXT(info),
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	t.advertiser = server

	logrus.WithFields(logrus.Fields{
		"function": "StartAdvertising",
		"local_id": t.localID,
		"service":  mdnsService(t.cfg.ServiceType),
		"port":     port,
	}).Info("Advertising started")

	return nil
}

// StopAdvertising withdraws the mDNS registration. Idempotent;
// established sessions keep running.
func (t *LAN) StopAdvertising() {
	t.advMu.Lock()
	defer t.advMu.Unlock()

	if t.advertiser == nil {
		return
	}
	t.advertiser.Shutdown()
	t.advertiser = nil

	logrus.WithField("local_id", t.localID).Info("Advertising stopped")
}

// StartBrowsing begins watching for peers in the service namespace.
// Idempotent.
func (t *LAN) StartBrowsing() error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.browseMu.Lock()
	defer t.browseMu.Unlock()

	if t.browseCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(t.ctx)
	t.browseCancel = cancel
	go t.browseLoop(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "StartBrowsing",
		"service":  mdnsService(t.cfg.ServiceType),
	}).Info("Browsing started")

	return nil
}

// StopBrowsing halts discovery. Idempotent. No further found or lost
// events fire after it returns; known addresses are kept so invitations
// already in flight still resolve.
func (t *LAN) StopBrowsing() {
	t.browseMu.Lock()
	defer t.browseMu.Unlock()

	if t.browseCancel == nil {
		return
	}
	t.browseCancel()
	t.browseCancel = nil

	t.mu.Lock()
	t.seen = make(map[peer.ID]time.Time)
	t.mu.Unlock()

	logrus.Info("Browsing stopped")
}

// browseLoop runs query/collect rounds until ctx is cancelled, sweeping
// expired peers between rounds.
func (t *LAN) browseLoop(ctx context.Context) {
	for {
		cycle, cancel := context.WithTimeout(ctx, browseCycle)
		t.browseOnce(cycle)
		cancel()

		if ctx.Err() != nil {
			return
		}
		t.sweepExpired(ctx)
	}
}

// browseOnce issues one mDNS query and collects entries until the cycle
// context expires.
func (t *LAN) browseOnce(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to create mDNS resolver")
		<-ctx.Done()
		return
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, mdnsService(t.cfg.ServiceType), "local.", entries); err != nil {
		logrus.WithError(err).Warn("mDNS browse failed")
		<-ctx.Done()
		return
	}

	// zeroconf closes the channel when ctx ends.
	for entry := range entries {
		t.handleEntry(entry)
	}
}

func (t *LAN) handleEntry(entry *zeroconf.ServiceEntry) {
	if entry.Instance == string(t.localID) {
		return
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return
	}

	id := peer.ID(entry.Instance)
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))

	t.mu.Lock()
	_, known := t.seen[id]
	t.seen[id] = time.Now()
	t.addrs[id] = addr
	t.secPeers[id] = txtHasSec(entry.Text)
	t.mu.Unlock()

	if known {
		return
	}

	logrus.WithFields(logrus.Fields{
		"peer_id": id,
		"addr":    addr,
	}).Debug("Peer found")

	if l := t.browseListener(); l != nil {
		l.PeerFound(id, entry.Text)
	}
}

// sweepExpired reports peers whose advertisements went stale. Loss is
// independent of session state: a connected peer that stops advertising
// is reported lost while its session stays up.
func (t *LAN) sweepExpired(ctx context.Context) {
	now := time.Now()

	t.mu.Lock()
	var expired []peer.ID
	for id, last := range t.seen {
		if now.Sub(last) > t.ttl {
			expired = append(expired, id)
			delete(t.seen, id)
			delete(t.addrs, id)
			delete(t.secPeers, id)
		}
	}
	t.mu.Unlock()

	for _, id := range expired {
		if ctx.Err() != nil {
			return
		}
		logrus.WithField("peer_id", id).Debug("Peer lost")
		if l := t.browseListener(); l != nil {
			l.PeerLost(id)
		}
	}
}

func txtHasSec(txt []string) bool {
	info, err := peer.ParseTXT(txt)
	if err != nil {
		return false
	}
	return info[secInfoKey] == "1"
}
