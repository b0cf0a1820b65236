package peer

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var ErrInvalidIdentifier = errors.New("invalid peer identifier")

// Metadata is what we remember about a peer entry outside of the live registry.
type Metadata struct {
	Identifier string    `cbor:"1,keyasint,omitempty"` // Peer identifier, //host:port/cacheName
	CacheName  string    `cbor:"2,keyasint,omitempty"` // Cache the identifier refers to
	LastSeen   time.Time `cbor:"3,keyasint,omitempty"` // Last heartbeat that referenced the identifier
}

// PeerIndex defines the interface for persisting peer metadata.
type PeerIndex interface {
	// Get retrieves the metadata for a peer identifier.
	Get(identifier string) (*Metadata, error)

	// Enumerate returns the metadata of every peer in the index.
	Enumerate() ([]*Metadata, error)

	// Replace swaps the whole content of the index for the given peers.
	Replace([]Metadata) error

	Close() error
}

// FormatIdentifier builds the identifier under which cacheName is advertised by the node at hostport.
func FormatIdentifier(hostport, cacheName string) string {
	return "//" + hostport + "/" + cacheName
}

// ParseIdentifier splits an identifier into the node address and the cache name.
func ParseIdentifier(identifier string) (hostport string, cacheName string, err error) {
	rest, ok := strings.CutPrefix(identifier, "//")
	if !ok {
		return "", "", fmt.Errorf("%w %q: missing '//' prefix", ErrInvalidIdentifier, identifier)
	}
	slash := strings.LastIndex(rest, "/")
	if slash < 0 {
		return "", "", fmt.Errorf("%w %q: missing cache name", ErrInvalidIdentifier, identifier)
	}
	hostport, cacheName = rest[:slash], rest[slash+1:]
	if cacheName == "" {
		return "", "", fmt.Errorf("%w %q: empty cache name", ErrInvalidIdentifier, identifier)
	}
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return "", "", fmt.Errorf("%w %q: %v", ErrInvalidIdentifier, identifier, err)
	}
	return hostport, cacheName, nil
}

// CacheName returns the part of the identifier after the last '/'.
func CacheName(identifier string) string {
	return identifier[strings.LastIndex(identifier, "/")+1:]
}

// Base returns the identifier prefix shared by every cache of the node at hostport.
func Base(hostport string) string {
	return "//" + hostport + "/"
}
