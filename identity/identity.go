// Package identity manages the stable local peer identity.
//
// The identity pairs a random stable identifier with a Curve25519
// static key and is persisted as JSON so repeated launches present the
// same identity to nearby peers.
package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

const identityFile = "identity.json"

// Identity is the local stable peer identity ("me").
type Identity struct {
	ID          string   `json:"id"`
	PrivateKey  [32]byte `json:"private_key"`
	PublicKey   [32]byte `json:"public_key"`
	CreatedAt   int64    `json:"created_at"`
	DisplayName string   `json:"-"`
}

// Generate creates a fresh, unpersisted identity.
func Generate(displayName string) (*Identity, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	id := &Identity{
		ID:          uuid.NewString(),
		PrivateKey:  private,
		CreatedAt:   time.Now().Unix(),
		DisplayName: displayName,
	}
	copy(id.PublicKey[:], public)

	logrus.WithFields(logrus.Fields{
		"function": "Generate",
		"id":       id.ID,
	}).Info("Generated new local identity")

	return id, nil
}

// Load returns the identity persisted under dir, creating and saving a
// new one on first launch. An empty dir yields an ephemeral identity
// that is not persisted.
func Load(dir, displayName string) (*Identity, error) {
	if dir == "" {
		return Generate(displayName)
	}

	path := filepath.Join(dir, identityFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := Generate(displayName)
		if err != nil {
			return nil, err
		}
		if err := id.save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	if id.ID == "" || isZeroKey(id.PrivateKey) {
		return nil, errors.New("persisted identity is incomplete")
	}
	id.DisplayName = displayName

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"id":       id.ID,
		"path":     path,
	}).Debug("Loaded persisted identity")

	return &id, nil
}

func (id *Identity) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	// Key material, keep it out of reach of other users.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
