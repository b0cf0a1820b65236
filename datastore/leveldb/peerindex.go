package leveldb

import (
	"cachepeers/datamodel/peer"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PEER" // Peer metadata indexed by identifier. Followed by the identifier itself
)

var _ peer.PeerIndex = (*PeerIndex)(nil)

type PeerIndex struct {
	levelDB
}

func NewPeerIndex(path string) (*PeerIndex, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerIndex{
		levelDB: levelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func keyFromIdentifier(identifier string) []byte {
	return keyWithPrefix(keyPrefixPeer, identifier)
}

func (l *PeerIndex) Get(identifier string) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromIdentifier(identifier), nil)
	if err != nil {
		return nil, err
	}

	md := &peer.Metadata{}
	if err := cbor.Unmarshal(raw, md); err != nil {
		return nil, err
	}

	// Compare the identifier just in case
	if md.Identifier != identifier {
		log.Errorf("Get: identifier mismatch: %s != %s", identifier, md.Identifier)
		return nil, ErrCorrupted
	}

	return md, nil
}

func (l *PeerIndex) Enumerate() ([]*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*peer.Metadata

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		md := &peer.Metadata{}
		if err := cbor.Unmarshal(iter.Value(), md); err != nil {
			return nil, err
		}
		results = append(results, md)
	}

	return results, iter.Error()
}

// Replace atomically swaps the whole content of the index for peers.
func (l *PeerIndex) Replace(peers []peer.Metadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	for i := range peers {
		raw, err := cbor.Marshal(&peers[i])
		if err != nil {
			return err
		}
		batch.Put(keyFromIdentifier(peers[i].Identifier), raw)
	}

	return l.db.Write(batch, nil)
}
