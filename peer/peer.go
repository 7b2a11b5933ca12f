// Package peer defines the representation of remote mesh participants
// and the registry that tracks them between discovery and loss.
//
// A Peer is created from the raw discovery info attached to an mDNS
// advertisement. Malformed advertisements fail to parse and the peer is
// never registered.
//
// Example:
//
//	p, err := peer.FromTXT("a1b2", []string{"name=Alice", "role=editor"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(p.DisplayName)
package peer

import (
	"errors"
	"strings"
	"time"
)

// ID is the opaque stable identifier a remote process advertises under.
// It is unique per remote process instance, not per device.
type ID string

// DisplayNameKey is the discovery-info key carrying the human-readable
// peer name. Advertisements without it are considered malformed.
const DisplayNameKey = "name"

var (
	// ErrEmptyInfo indicates an advertisement with no discovery info at all.
	ErrEmptyInfo = errors.New("empty discovery info")
	// ErrMalformedInfo indicates a discovery record that is not a key=value pair.
	ErrMalformedInfo = errors.New("malformed discovery info record")
	// ErrMissingName indicates discovery info without a display name.
	ErrMissingName = errors.New("discovery info missing display name")
)

// Peer represents one remote participant on the local mesh.
type Peer struct {
	ID            ID
	DisplayName   string
	DiscoveryInfo map[string]string
	DiscoveredAt  time.Time
}

// FromTXT constructs a Peer from raw mDNS TXT records.
// Each record must be a key=value pair and the set must contain a
// non-empty "name" key, otherwise parsing fails and the peer is dropped.
func FromTXT(id ID, txt []string) (*Peer, error) {
	info, err := ParseTXT(txt)
	if err != nil {
		return nil, err
	}

	name := info[DisplayNameKey]
	if name == "" {
		return nil, ErrMissingName
	}

	return &Peer{
		ID:            id,
		DisplayName:   name,
		DiscoveryInfo: info,
		DiscoveredAt:  time.Now(),
	}, nil
}

// ParseTXT decodes mDNS TXT records into a discovery-info map.
func ParseTXT(txt []string) (map[string]string, error) {
	if len(txt) == 0 {
		return nil, ErrEmptyInfo
	}

	info := make(map[string]string, len(txt))
	for _, record := range txt {
		key, value, ok := strings.Cut(record, "=")
		if !ok || key == "" {
			return nil, ErrMalformedInfo
		}
		info[key] = value
	}

	return info, nil
}

// EncodeTXT is the inverse of ParseTXT, used when advertising.
func EncodeTXT(info map[string]string) []string {
	txt := make([]string, 0, len(info))
	for key, value := range info {
		txt = append(txt, key+"="+value)
	}
	return txt
}
