package sshauth

import (
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// MethodCache remembers the most recently successful auth method per host
// identity (username@host:port) so the next attempt tries it first.
//
// The cache is an optimization, never a correctness dependency: concurrent
// attempts against the same host may race to populate or clear it and
// last-writer-wins is fine. Entries are written only on success and cleared
// on any failure so a failed attempt re-tries the full candidate order.
type MethodCache struct {
	c *gocache.Cache
}

// NewMethodCache creates an empty cache. Entries live for the process
// lifetime; nothing is persisted.
func NewMethodCache() *MethodCache {
	return &MethodCache{c: gocache.New(gocache.NoExpiration, 0)}
}

// Remember records the method that just succeeded for identity.
func (m *MethodCache) Remember(identity, method string) {
	if method == "" {
		return
	}
	log.Debugf("sshauth: caching method %s for %s", method, identity)
	m.c.Set(identity, method, gocache.NoExpiration)
}

// Recall returns the cached method for identity, if any.
func (m *MethodCache) Recall(identity string) (string, bool) {
	v, ok := m.c.Get(identity)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Forget clears the entry for identity. Called on every authentication
// failure for that identity.
func (m *MethodCache) Forget(identity string) {
	m.c.Delete(identity)
}
