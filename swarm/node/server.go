package node

import (
	"cachepeers/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Server is the RPC surface peers use to validate identifiers they learned from heartbeats.
type Server struct {
	node *Node
}

// RPC: Lookup
func (s *Server) Lookup(req *protocol.LookupRequest, res *protocol.LookupResponse) error {
	res.Origin = s.node.origin
	res.Caches = s.node.Caches()
	res.Bound = s.node.HasCache(req.CacheName)
	log.Debugf("Server.Lookup for %q, bound: %t", req.CacheName, res.Bound)
	return nil
}
