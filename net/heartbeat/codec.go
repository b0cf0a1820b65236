// Package heartbeat implements the unicast keepalive heartbeat: a sender that
// periodically pushes this node's peer identifiers to every configured
// destination, a receiver that feeds identifiers from other nodes into a peer
// registry, and the gzip payload codec they share.
package heartbeat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/spaolacci/murmur3"

	log "github.com/sirupsen/logrus"
)

const (
	Delimiter        = "|"
	MTU              = 1500 // Upper bound for a single compressed datagram
	MaxPeersPerChunk = 150

	originPrefix = "@origin="

	// Decompressed payloads larger than this are rejected
	maxDecodedSize = 1 << 20
)

var ErrPayloadTooLarge = errors.New("decoded heartbeat payload too large")

// Payload is a decoded heartbeat chunk.
type Payload struct {
	Origin      string   // Token of the sending node, empty for untagged payloads
	Identifiers []string // Peer identifiers advertised by the sending node
}

// Encoder turns the local identifier list into compressed chunks. The last
// result is cached and only rebuilt when the list changes.
type Encoder struct {
	origin string

	mu     sync.Mutex
	hash   uint64
	valid  bool
	chunks [][]byte
}

func NewEncoder(origin string) *Encoder {
	return &Encoder{origin: origin}
}

func (e *Encoder) Origin() string {
	return e.origin
}

// Encode returns the compressed chunks for ids. Each chunk carries at most
// MaxPeersPerChunk identifiers and is split further while it exceeds the MTU.
func (e *Encoder) Encode(ids []string) ([][]byte, error) {
	h := identifiersHash(e.origin, ids)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.valid && e.hash == h {
		return e.chunks, nil
	}

	var chunks [][]byte
	for rest := ids; len(rest) > 0; {
		end := min(len(rest), MaxPeersPerChunk)
		c, err := e.compressChunk(rest[:end])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c...)
		rest = rest[end:]
	}

	log.Debugf("heartbeat: encoded %d identifiers into %d chunks", len(ids), len(chunks))

	e.hash = h
	e.valid = true
	e.chunks = chunks
	return chunks, nil
}

func (e *Encoder) compressChunk(ids []string) ([][]byte, error) {
	buf, err := compress(assemble(e.origin, ids))
	if err != nil {
		return nil, err
	}
	if len(buf) <= MTU {
		return [][]byte{buf}, nil
	}
	if len(ids) == 1 {
		log.Errorf("Heartbeat is not working. Configure fewer caches for replication. Size is %d but should be no greater than %d", len(buf), MTU)
		return [][]byte{buf}, nil
	}

	half := len(ids) / 2
	left, err := e.compressChunk(ids[:half])
	if err != nil {
		return nil, err
	}
	right, err := e.compressChunk(ids[half:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func identifiersHash(origin string, ids []string) uint64 {
	h := murmur3.New64()
	h.Write([]byte(origin))
	for _, id := range ids {
		h.Write([]byte(Delimiter))
		h.Write([]byte(id))
	}
	return h.Sum64()
}

func assemble(origin string, ids []string) []byte {
	var b bytes.Buffer
	if origin != "" {
		b.WriteString(originPrefix)
		b.WriteString(origin)
	}
	for _, id := range ids {
		if b.Len() > 0 {
			b.WriteString(Delimiter)
		}
		b.WriteString(id)
	}
	return b.Bytes()
}

func compress(raw []byte) ([]byte, error) {
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Decode decompresses a received datagram and splits it into identifiers.
// Whitespace is trimmed and empty tokens are dropped.
func Decode(buf []byte) (*Payload, error) {
	r, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("heartbeat: bad gzip header: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("heartbeat: decompress: %w", err)
	}
	if len(raw) > maxDecodedSize {
		return nil, ErrPayloadTooLarge
	}

	p := &Payload{}
	for _, tok := range strings.Split(string(raw), Delimiter) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if origin, ok := strings.CutPrefix(tok, originPrefix); ok && p.Origin == "" && len(p.Identifiers) == 0 {
			p.Origin = origin
			continue
		}
		p.Identifiers = append(p.Identifiers, tok)
	}
	return p, nil
}

// Signature identifies a raw datagram for de-duplication purposes.
func Signature(buf []byte) uint64 {
	return murmur3.Sum64(buf)
}
