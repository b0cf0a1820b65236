package node

import (
	"context"

	"cachepeers/datamodel/peer"

	log "github.com/sirupsen/logrus"
)

// SnapshotTo replaces the content of idx with the current registry entries.
func (n *Node) SnapshotTo(idx peer.PeerIndex) error {
	peers := n.Registry.Peers()
	if err := idx.Replace(peers); err != nil {
		return err
	}
	log.Debugf("Snapshot of %d peers written", len(peers))
	return nil
}

// Snapshotter adapts SnapshotTo to the timer.RunWithTicker callback signature.
// Write failures are logged and do not stop the ticker.
func (n *Node) Snapshotter(idx peer.PeerIndex) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := n.SnapshotTo(idx); err != nil {
			log.Errorf("Failed to snapshot peers: %v", err)
		}
		return nil
	}
}
