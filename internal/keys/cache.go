package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"construct/internal/canonical"
	"construct/internal/domain"
)

// fetchBound caps a single federated key round.
const fetchBound = 10 * time.Second

// Entry is one verified public key with its advertised lifetime.
type Entry struct {
	Key          ed25519.PublicKey
	ValidUntilTS int64
}

func (e Entry) expired(now time.Time) bool {
	return e.ValidUntilTS > 0 && now.UnixMilli() > e.ValidUntilTS
}

// Store persists verified server keys across restarts.
type Store interface {
	GetServerKey(server domain.ServerName, keyID string) (Entry, bool, error)
	PutServerKey(server domain.ServerName, keyID string, e Entry) error
}

// Client fetches a remote server's published key document.
type Client interface {
	ServerKeys(ctx context.Context, server domain.ServerName) ([]byte, error)
}

type cacheKey struct {
	server domain.ServerName
	keyID  string
}

// Cache holds verified ed25519 server keys. An in-process map fronts the
// store; misses fall through to it before counting as absent.
type Cache struct {
	mu    sync.RWMutex
	mem   map[cacheKey]Entry
	store Store
	cl    Client
	log   zerolog.Logger
	now   func() time.Time
}

func NewCache(store Store, cl Client, log zerolog.Logger) *Cache {
	return &Cache{
		mem:   make(map[cacheKey]Entry),
		store: store,
		cl:    cl,
		log:   log.With().Str("component", "m.keys").Logger(),
		now:   time.Now,
	}
}

// Has reports whether a live key is cached for (server, keyID).
func (c *Cache) Has(server domain.ServerName, keyID string) bool {
	_, ok := c.Get(server, keyID)
	return ok
}

// Get returns the cached key for (server, keyID). Expired entries read as
// absent.
func (c *Cache) Get(server domain.ServerName, keyID string) (ed25519.PublicKey, bool) {
	k := cacheKey{server, keyID}
	c.mu.RLock()
	e, ok := c.mem[k]
	c.mu.RUnlock()
	if ok {
		if e.expired(c.now()) {
			return nil, false
		}
		return e.Key, true
	}
	if c.store == nil {
		return nil, false
	}
	e, ok, err := c.store.GetServerKey(server, keyID)
	if err != nil || !ok || e.expired(c.now()) {
		return nil, false
	}
	c.mu.Lock()
	c.mem[k] = e
	c.mu.Unlock()
	return e.Key, true
}

// Put admits a verified key into the cache and the store.
func (c *Cache) Put(server domain.ServerName, keyID string, key ed25519.PublicKey, validUntilTS int64) error {
	e := Entry{Key: key, ValidUntilTS: validUntilTS}
	c.mu.Lock()
	c.mem[cacheKey{server, keyID}] = e
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.PutServerKey(server, keyID, e)
}

// Query names one key wanted from one server.
type Query struct {
	Server domain.ServerName
	KeyID  string
}

// Fetch resolves the queried keys that are not already cached, issuing one
// federated round per server. Keys are verified against their own
// self-signature before admission. Servers that fail leave their queries
// unresolved; the first error is returned after all rounds complete.
func (c *Cache) Fetch(ctx context.Context, queries []Query) error {
	wanted := make(map[domain.ServerName][]string)
	for _, q := range queries {
		if c.Has(q.Server, q.KeyID) {
			continue
		}
		wanted[q.Server] = append(wanted[q.Server], q.KeyID)
	}
	var firstErr error
	for server := range wanted {
		if err := c.fetchServer(ctx, server); err != nil {
			c.log.Debug().Str("server", string(server)).Err(err).Msg("key fetch failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type keyDoc struct {
	ServerName   domain.ServerName `json:"server_name"`
	ValidUntilTS int64             `json:"valid_until_ts"`
	VerifyKeys   map[string]struct {
		Key string `json:"key"`
	} `json:"verify_keys"`
	OldVerifyKeys map[string]struct {
		Key       string `json:"key"`
		ExpiredTS int64  `json:"expired_ts"`
	} `json:"old_verify_keys"`
}

func (c *Cache) fetchServer(ctx context.Context, server domain.ServerName) error {
	ctx, cancel := context.WithTimeout(ctx, fetchBound)
	defer cancel()
	raw, err := c.cl.ServerKeys(ctx, server)
	if err != nil {
		return errors.Wrapf(err, "keys: fetch %s", server)
	}
	return c.admit(server, raw)
}

// admit parses a key document, verifies the self-signature with each
// advertised key, and caches the keys that check out.
func (c *Cache) admit(server domain.ServerName, raw []byte) error {
	var doc keyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "keys: parse document")
	}
	if doc.ServerName != server {
		return errors.Errorf("keys: document for %q from %q", doc.ServerName, server)
	}
	admitted := 0
	for keyID, vk := range doc.VerifyKeys {
		pub, err := canonical.B64.DecodeString(vk.Key)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			continue
		}
		if err := canonical.VerifyJSON(raw, string(server), keyID, pub); err != nil {
			c.log.Debug().Str("server", string(server)).Str("key_id", keyID).Err(err).Msg("self-signature rejected")
			continue
		}
		if err := c.Put(server, keyID, pub, doc.ValidUntilTS); err != nil {
			return err
		}
		admitted++
	}
	if admitted == 0 {
		return errors.Errorf("keys: no verifiable key in document from %s", server)
	}
	return nil
}
