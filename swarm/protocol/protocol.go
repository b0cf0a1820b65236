package protocol

const (
	// RPC method names served by every node
	MethodLookup = "Server.Lookup"
)

type LookupRequest struct {
	CacheName string `cbor:"1,keyasint,omitempty"` // Cache the caller wants to reach
}

type LookupResponse struct {
	Origin string   `cbor:"1,keyasint,omitempty"` // Heartbeat origin token of the responding node
	Bound  bool     `cbor:"2,keyasint,omitempty"` // Whether the requested cache is served by the node
	Caches []string `cbor:"3,keyasint,omitempty"` // Every cache the node serves
}
