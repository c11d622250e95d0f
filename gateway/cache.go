package gateway

import (
	lru "github.com/hashicorp/golang-lru"
)

// defaultCacheSize bounds each recently-seen set. A fixed-capacity LRU
// plays the role of a time-windowed seen set without needing an
// explicit retain pass.
const defaultCacheSize = 100_000

// Cache tracks recently-seen inbound certificate and transmission ids so
// duplicate gossip is dropped without a second round of full validation,
// and recently-seen peer connection
// attempts for basic rate limiting.
type Cache struct {
	inboundCertificates  *lru.Cache
	inboundTransmissions *lru.Cache
	inboundConnections   *lru.Cache
}

// NewCache returns a Cache with the default per-set capacity.
func NewCache() *Cache {
	certs, _ := lru.New(defaultCacheSize)
	transmissions, _ := lru.New(defaultCacheSize)
	connections, _ := lru.New(defaultCacheSize)
	return &Cache{
		inboundCertificates:  certs,
		inboundTransmissions: transmissions,
		inboundConnections:   connections,
	}
}

// SeenCertificate records certID as seen, returning true if it was
// already present (i.e., this is a duplicate).
func (c *Cache) SeenCertificate(certID string) bool {
	seen := c.inboundCertificates.Contains(certID)
	c.inboundCertificates.Add(certID, struct{}{})
	return seen
}

// SeenTransmission records transmissionID as seen, returning true if it
// was already present.
func (c *Cache) SeenTransmission(transmissionID string) bool {
	seen := c.inboundTransmissions.Contains(transmissionID)
	c.inboundTransmissions.Add(transmissionID, struct{}{})
	return seen
}

// SeenConnection records a connection attempt from addr, returning the
// number of recent attempts from that address for rate-limiting.
func (c *Cache) SeenConnection(addr string) int {
	count := 1
	if v, ok := c.inboundConnections.Get(addr); ok {
		count = v.(int) + 1
	}
	c.inboundConnections.Add(addr, count)
	return count
}
