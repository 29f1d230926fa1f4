package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"construct/internal/canonical"
	"construct/internal/domain"
)

type fakeClient struct {
	docs  map[domain.ServerName][]byte
	calls int
}

func (f *fakeClient) ServerKeys(ctx context.Context, server domain.ServerName) ([]byte, error) {
	f.calls++
	if doc, ok := f.docs[server]; ok {
		return doc, nil
	}
	return nil, context.DeadlineExceeded
}

func keyDocument(t *testing.T, server string, keyID string, priv ed25519.PrivateKey, validUntil time.Time) []byte {
	t.Helper()
	pub := priv.Public().(ed25519.PublicKey)
	doc := map[string]any{
		"server_name":    server,
		"valid_until_ts": validUntil.UnixMilli(),
		"verify_keys": map[string]any{
			keyID: map[string]string{"key": canonical.B64.EncodeToString(pub)},
		},
	}
	raw, _ := json.Marshal(doc)
	sig, err := canonical.SignJSON(raw, priv)
	if err != nil {
		t.Fatalf("sign key doc: %v", err)
	}
	doc["signatures"] = map[string]any{server: map[string]string{keyID: sig}}
	raw, _ = json.Marshal(doc)
	return raw
}

func TestPutGetHas(t *testing.T) {
	c := NewCache(nil, &fakeClient{}, zerolog.Nop())
	pub, _, _ := ed25519.GenerateKey(nil)
	if err := c.Put("s.example.org", "ed25519:0", pub, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !c.Has("s.example.org", "ed25519:0") {
		t.Fatal("Has missed a stored key")
	}
	got, ok := c.Get("s.example.org", "ed25519:0")
	if !ok || !got.Equal(pub) {
		t.Fatal("Get returned the wrong key")
	}
	if c.Has("s.example.org", "ed25519:1") {
		t.Fatal("Has found an absent key id")
	}
}

func TestExpiryHonoredOnRead(t *testing.T) {
	c := NewCache(nil, &fakeClient{}, zerolog.Nop())
	pub, _, _ := ed25519.GenerateKey(nil)
	past := time.Now().Add(-time.Hour).UnixMilli()
	if err := c.Put("s.example.org", "ed25519:0", pub, past); err != nil {
		t.Fatalf("put: %v", err)
	}
	if c.Has("s.example.org", "ed25519:0") {
		t.Fatal("expired key read as live")
	}
}

func TestFetchVerifiesSelfSignature(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	doc := keyDocument(t, "remote.example.org", "ed25519:a", priv, time.Now().Add(time.Hour))
	cl := &fakeClient{docs: map[domain.ServerName][]byte{"remote.example.org": doc}}
	c := NewCache(nil, cl, zerolog.Nop())

	err := c.Fetch(context.Background(), []Query{{Server: "remote.example.org", KeyID: "ed25519:a"}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !c.Has("remote.example.org", "ed25519:a") {
		t.Fatal("fetched key not admitted")
	}
	if cl.calls != 1 {
		t.Fatalf("calls = %d", cl.calls)
	}
}

func TestFetchRejectsBadSelfSignature(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	// Document advertises priv's public key but is signed by another key.
	doc := keyDocument(t, "remote.example.org", "ed25519:a", otherPriv, time.Now().Add(time.Hour))
	var obj map[string]any
	if err := json.Unmarshal(doc, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	obj["verify_keys"] = map[string]any{
		"ed25519:a": map[string]string{"key": canonical.B64.EncodeToString(pub)},
	}
	doc, _ = json.Marshal(obj)

	cl := &fakeClient{docs: map[domain.ServerName][]byte{"remote.example.org": doc}}
	c := NewCache(nil, cl, zerolog.Nop())
	err := c.Fetch(context.Background(), []Query{{Server: "remote.example.org", KeyID: "ed25519:a"}})
	if err == nil {
		t.Fatal("expected admission failure")
	}
	if c.Has("remote.example.org", "ed25519:a") {
		t.Fatal("unverified key admitted")
	}
}

func TestFetchSkipsCached(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	cl := &fakeClient{}
	c := NewCache(nil, cl, zerolog.Nop())
	if err := c.Put("s.example.org", "ed25519:0", pub, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Fetch(context.Background(), []Query{{Server: "s.example.org", KeyID: "ed25519:0"}}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cl.calls != 0 {
		t.Fatalf("fetched a cached key: calls = %d", cl.calls)
	}
}

func TestFetchRejectsMismatchedServerName(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	doc := keyDocument(t, "impostor.example.org", "ed25519:a", priv, time.Now().Add(time.Hour))
	cl := &fakeClient{docs: map[domain.ServerName][]byte{"remote.example.org": doc}}
	c := NewCache(nil, cl, zerolog.Nop())
	err := c.Fetch(context.Background(), []Query{{Server: "remote.example.org", KeyID: "ed25519:a"}})
	if err == nil {
		t.Fatal("expected server_name mismatch rejection")
	}
}
