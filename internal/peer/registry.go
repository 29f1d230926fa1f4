package peer

import (
	"sync"

	"construct/internal/domain"
)

// Peer is the accounting record for one remote homeserver.
type Peer struct {
	Host       domain.ServerName
	RemoteAddr string
	LinkCount  int
	TagCount   int
	WriteBytes int64
	ReadBytes  int64

	lastError string
}

// Errmsg returns the sticky error set on this peer, empty when healthy.
func (p *Peer) Errmsg() string { return p.lastError }

// Registry tracks every remote the federation client has spoken to. Reads
// take the shared lock; entries are created on first touch.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.ServerName]*Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[domain.ServerName]*Peer)}
}

// Get returns the entry for host, creating it if absent.
func (r *Registry) Get(host domain.ServerName) *Peer {
	r.mu.RLock()
	p := r.peers[host]
	r.mu.RUnlock()
	if p != nil {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p = r.peers[host]; p == nil {
		p = &Peer{Host: host}
		r.peers[host] = p
	}
	return p
}

// Lookup returns the entry for host without creating one.
func (r *Registry) Lookup(host domain.ServerName) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[host]
}

// Errmsg returns the sticky error for host, empty when unknown or healthy.
func (r *Registry) Errmsg(host domain.ServerName) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.peers[host]; p != nil {
		return p.lastError
	}
	return ""
}

// Errset marks host with a sticky error message. Marked peers are skipped by
// origin selection until cleared.
func (r *Registry) Errset(host domain.ServerName, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[host]
	if p == nil {
		p = &Peer{Host: host}
		r.peers[host] = p
	}
	p.lastError = msg
}

// Errclear removes the sticky error from host, returning whether one was set.
func (r *Registry) Errclear(host domain.ServerName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[host]
	if p == nil || p.lastError == "" {
		return false
	}
	p.lastError = ""
	return true
}

// AccountWrite records bytes sent to host and bumps the link counter.
func (r *Registry) AccountWrite(host domain.ServerName, addr string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[host]
	if p == nil {
		p = &Peer{Host: host}
		r.peers[host] = p
	}
	p.RemoteAddr = addr
	p.LinkCount++
	p.WriteBytes += n
}

// AccountRead records bytes received from host.
func (r *Registry) AccountRead(host domain.ServerName, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peers[host]; p != nil {
		p.ReadBytes += n
		p.TagCount++
	}
}

// ForEach visits every peer under the read lock. Return false to stop.
func (r *Registry) ForEach(fn func(*Peer) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if !fn(p) {
			return
		}
	}
}

// Len reports how many peers are tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
