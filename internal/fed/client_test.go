package fed

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"construct/internal/canonical"
	"construct/internal/domain"
	"construct/internal/peer"
)

func testClient(t *testing.T) (*Client, ed25519.PublicKey, *peer.Registry) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	peers := peer.NewRegistry()
	c := NewClient(Identity{ServerName: "local.example.org", KeyID: "ed25519:0", PrivateKey: priv}, peers, zerolog.Nop())
	c.Scheme = "http"
	return c, pub, peers
}

func serverDest(t *testing.T, srv *httptest.Server) domain.ServerName {
	t.Helper()
	return domain.ServerName(strings.TrimPrefix(srv.URL, "http://"))
}

func parseXMatrix(t *testing.T, header string) (origin, key, sig string) {
	t.Helper()
	rest, ok := strings.CutPrefix(header, "X-Matrix ")
	if !ok {
		t.Fatalf("auth header scheme: %q", header)
	}
	for _, part := range strings.Split(rest, ",") {
		k, v, _ := strings.Cut(part, "=")
		v = strings.Trim(v, `"`)
		switch k {
		case "origin":
			origin = v
		case "key":
			key = v
		case "sig":
			sig = v
		}
	}
	return origin, key, sig
}

func TestRequestSignatureVerifies(t *testing.T) {
	var gotAuth, gotURI string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotURI = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{"pdus":[{"type":"m.room.message"}]}`))
	}))
	defer srv.Close()

	c, pub, _ := testClient(t)
	dest := serverDest(t, srv)
	pdus, err := c.Event(context.Background(), dest, "$e:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(pdus) != 1 {
		t.Fatalf("pdus = %d", len(pdus))
	}

	origin, key, sig := parseXMatrix(t, gotAuth)
	if origin != "local.example.org" || key != "ed25519:0" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	obj, err := json.Marshal(map[string]any{
		"method":      http.MethodGet,
		"uri":         gotURI,
		"origin":      "local.example.org",
		"destination": string(dest),
	})
	if err != nil {
		t.Fatal(err)
	}
	canon, err := canonical.JSON(obj)
	if err != nil {
		t.Fatal(err)
	}
	rawSig, err := canonical.B64.DecodeString(sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(pub, canon, rawSig) {
		t.Fatal("request signature did not verify")
	}
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errcode":"M_NOT_FOUND"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c, _, _ := testClient(t)
	_, err := c.Event(context.Background(), serverDest(t, srv), "$absent:example.org")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestTransportFailureRecordsPeerError(t *testing.T) {
	c, _, peers := testClient(t)
	dest := domain.ServerName("127.0.0.1:1")
	_, err := c.Event(context.Background(), dest, "$e:example.org")
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v", err)
	}
	if peers.Errmsg(dest) == "" {
		t.Fatal("expected peer error to be recorded")
	}
}

func TestPeerAccounting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"server":{"name":"remote","version":"1"}}`))
	}))
	defer srv.Close()

	c, _, peers := testClient(t)
	dest := serverDest(t, srv)
	name, version, err := c.Version(context.Background(), dest)
	if err != nil {
		t.Fatal(err)
	}
	if name != "remote" || version != "1" {
		t.Fatalf("version = %s %s", name, version)
	}
	if p := peers.Lookup(dest); p == nil {
		t.Fatal("expected peer entry after request")
	}
}

func TestUserKeysQueryPostsBody(t *testing.T) {
	var gotMethod, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = json.Marshal(decodeBody(r))
		_, _ = w.Write([]byte(`{"device_keys":{}}`))
	}))
	defer srv.Close()

	c, _, _ := testClient(t)
	_, err := c.UserKeysQuery(context.Background(), serverDest(t, srv),
		map[domain.UserID][]string{"@alice:example.org": {"DEVICE1"}})
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPost || gotType != "application/json" {
		t.Fatalf("method=%s type=%s", gotMethod, gotType)
	}
	if !strings.Contains(string(gotBody), "DEVICE1") {
		t.Fatalf("body: %s", gotBody)
	}
}

func decodeBody(r *http.Request) map[string]any {
	var v map[string]any
	_ = json.NewDecoder(r.Body).Decode(&v)
	return v
}
