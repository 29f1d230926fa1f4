package canonical

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
)

func signedEvent(t *testing.T, priv ed25519.PrivateKey, origin string, extra map[string]any) []byte {
	t.Helper()
	ev := map[string]any{
		"room_id":          "!room:" + origin,
		"sender":           "@alice:" + origin,
		"origin":           origin,
		"origin_server_ts": 1700000000000,
		"type":             "m.room.message",
		"content":          map[string]any{"body": "hi"},
		"prev_events":      []any{},
		"auth_events":      []any{},
		"depth":            7,
	}
	for k, v := range extra {
		ev[k] = v
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	hash, err := ContentHash(raw)
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	ev["hashes"] = map[string]string{"sha256": hash}
	raw, _ = json.Marshal(ev)
	sig, err := SignJSON(raw, priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ev["signatures"] = map[string]any{origin: map[string]string{"ed25519:0": sig}}
	raw, _ = json.Marshal(ev)
	return raw
}

func TestEventIDIgnoresUnsignedAndSignatures(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	_ = pub
	raw := signedEvent(t, priv, "example.org", nil)
	base, err := EventID(raw)
	if err != nil {
		t.Fatalf("event id: %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	obj["unsigned"] = map[string]any{"age_ts": 12345}
	decorated, _ := json.Marshal(obj)
	again, err := EventID(decorated)
	if err != nil {
		t.Fatalf("event id: %v", err)
	}
	if base != again {
		t.Fatalf("unsigned changed the id: %s vs %s", base, again)
	}
	if base[0] != '$' {
		t.Fatalf("id missing sigil: %s", base)
	}
}

func TestEventIDSensitiveToContent(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	a, err := EventID(signedEvent(t, priv, "example.org", nil))
	if err != nil {
		t.Fatalf("event id: %v", err)
	}
	b, err := EventID(signedEvent(t, priv, "example.org", map[string]any{"depth": 8}))
	if err != nil {
		t.Fatalf("event id: %v", err)
	}
	if a == b {
		t.Fatal("different events share an id")
	}
}

func TestVerifyEvent(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	raw := signedEvent(t, priv, "example.org", nil)

	if err := VerifyEvent(raw, "example.org", "ed25519:0", pub); err != nil {
		t.Fatalf("verify: %v", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(nil)
	if err := VerifyEvent(raw, "example.org", "ed25519:0", otherPub); err == nil {
		t.Fatal("verified with the wrong key")
	}
	if err := VerifyEvent(raw, "example.org", "ed25519:missing", pub); err == nil {
		t.Fatal("verified with an absent key id")
	}
}

func TestVerifyEventSurvivesUnsigned(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	raw := signedEvent(t, priv, "example.org", nil)

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	obj["unsigned"] = map[string]any{"replaces_state": "$x:example.org"}
	decorated, _ := json.Marshal(obj)
	if err := VerifyEvent(decorated, "example.org", "ed25519:0", pub); err != nil {
		t.Fatalf("unsigned broke verification: %v", err)
	}
}

func TestContentHashExcludesHashes(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	raw := signedEvent(t, priv, "example.org", nil)
	h1, err := ContentHash(raw)
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	delete(obj, "hashes")
	delete(obj, "signatures")
	bare, _ := json.Marshal(obj)
	h2, err := ContentHash(bare)
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hashes field affected the content hash: %s vs %s", h1, h2)
	}
}
