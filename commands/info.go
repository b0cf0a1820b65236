package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cachepeers/config"
	"cachepeers/datamodel/peer"
	"cachepeers/datastore/leveldb"

	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

var ErrUnknownPeer = errors.New("peer not in the last snapshot")

// RunInfo prints the peers recorded by the last snapshot of a serving node.
// When peerID is set only that peer is looked up.
func RunInfo(ctx context.Context, cfg *config.Config, peerID string) error {
	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		return err
	}
	defer pidx.Close()

	if peerID != "" {
		p, err := pidx.Get(peerID)
		if errors.Is(err, ldberrors.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
		}
		if err != nil {
			return err
		}
		logPeer(p)
		return nil
	}

	peers, err := pidx.Enumerate()
	if err != nil {
		return err
	}

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].CacheName != peers[j].CacheName {
			return peers[i].CacheName < peers[j].CacheName
		}
		return peers[i].Identifier < peers[j].Identifier
	})

	log.Infof("Peer index: %d peers known", len(peers))
	for _, p := range peers {
		logPeer(p)
	}
	return nil
}

func logPeer(p *peer.Metadata) {
	log.Infof("Peer: %s, cache: %s, last seen: %v ago", p.Identifier, p.CacheName, time.Since(p.LastSeen).Round(time.Millisecond))
}
