package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// Peers on the local link have no pre-shared keys, so XX with mutual
// static exchange rather than IK.
var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

func newHandshakeState(static noise.DHKey, initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
}

// noiseConn encrypts whole frames over an underlying plainConn. The
// per-direction cipher states rely on the in-order delivery TCP
// provides, so nonces never need to travel on the wire.
type noiseConn struct {
	inner *plainConn

	sendMu sync.Mutex
	send   *noise.CipherState

	recv *noise.CipherState
}

// clientHandshake runs the initiator side of the XX handshake.
func clientHandshake(pc *plainConn, static noise.DHKey) (*noiseConn, error) {
	hs, err := newHandshakeState(static, true)
	if err != nil {
		return nil, fmt.Errorf("init handshake: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake message 1: %w", err)
	}
	if err := pc.writeFrame(frameNoise, msg1); err != nil {
		return nil, err
	}

	ft, msg2, err := pc.readFrame()
	if err != nil {
		return nil, err
	}
	if ft != frameNoise {
		return nil, fmt.Errorf("unexpected frame 0x%02x during handshake", byte(ft))
	}
	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return nil, fmt.Errorf("handshake message 2: %w", err)
	}

	msg3, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake message 3: %w", err)
	}
	if err := pc.writeFrame(frameNoise, msg3); err != nil {
		return nil, err
	}

	return &noiseConn{inner: pc, send: cs1, recv: cs2}, nil
}

// serverHandshake runs the responder side. firstMsg is the already-read
// body of the initiator's first noise frame.
func serverHandshake(pc *plainConn, static noise.DHKey, firstMsg []byte) (*noiseConn, error) {
	hs, err := newHandshakeState(static, false)
	if err != nil {
		return nil, fmt.Errorf("init handshake: %w", err)
	}

	if _, _, _, err := hs.ReadMessage(nil, firstMsg); err != nil {
		return nil, fmt.Errorf("handshake message 1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake message 2: %w", err)
	}
	if err := pc.writeFrame(frameNoise, msg2); err != nil {
		return nil, err
	}

	ft, msg3, err := pc.readFrame()
	if err != nil {
		return nil, err
	}
	if ft != frameNoise {
		return nil, fmt.Errorf("unexpected frame 0x%02x during handshake", byte(ft))
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, fmt.Errorf("handshake message 3: %w", err)
	}

	// The responder sends on cs2 and receives on cs1.
	return &noiseConn{inner: pc, send: cs2, recv: cs1}, nil
}

func (c *noiseConn) readFrame() (frameType, []byte, error) {
	ft, body, err := c.inner.readFrame()
	if err != nil {
		return 0, nil, err
	}
	if ft != frameNoise {
		return 0, nil, fmt.Errorf("plaintext frame 0x%02x on encrypted session", byte(ft))
	}

	plain, err := c.recv.Decrypt(nil, nil, body)
	if err != nil {
		return 0, nil, fmt.Errorf("decrypt frame: %w", err)
	}
	if len(plain) == 0 {
		return 0, nil, fmt.Errorf("empty decrypted frame")
	}

	return frameType(plain[0]), plain[1:], nil
}

func (c *noiseConn) writeFrame(ft frameType, body []byte) error {
	plain := make([]byte, 1+len(body))
	plain[0] = byte(ft)
	copy(plain[1:], body)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	sealed, err := c.send.Encrypt(nil, nil, plain)
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}
	return c.inner.writeFrame(frameNoise, sealed)
}

func (c *noiseConn) setDeadline(t time.Time) error {
	return c.inner.setDeadline(t)
}

func (c *noiseConn) Close() error {
	return c.inner.Close()
}
