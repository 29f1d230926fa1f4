package fed

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"construct/internal/canonical"
	"construct/internal/domain"
	"construct/internal/peer"
)

// Identity is this homeserver's signing identity.
type Identity struct {
	ServerName domain.ServerName
	KeyID      string
	PrivateKey ed25519.PrivateKey
}

// Client issues signed federation requests. Every request carries an
// X-Matrix Authorization header computed over the canonical request object.
type Client struct {
	id    Identity
	hc    *http.Client
	peers *peer.Registry
	log   zerolog.Logger

	// Scheme is overridable for tests against httptest servers.
	Scheme string
}

func NewClient(id Identity, peers *peer.Registry, log zerolog.Logger) *Client {
	return &Client{
		id:     id,
		hc:     &http.Client{Timeout: 30 * time.Second},
		peers:  peers,
		log:    log.With().Str("component", "fed").Logger(),
		Scheme: "https",
	}
}

// authHeader builds the X-Matrix Authorization value over the request-signing
// object: method, uri, origin, destination and optional content,
// canonicalized then signed.
func (c *Client) authHeader(method, uri string, dest domain.ServerName, content []byte) (string, error) {
	obj := map[string]any{
		"method":      method,
		"uri":         uri,
		"origin":      string(c.id.ServerName),
		"destination": string(dest),
	}
	if len(content) > 0 {
		var v any
		if err := json.Unmarshal(content, &v); err != nil {
			return "", errors.Wrap(err, "fed: request content")
		}
		obj["content"] = v
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	canon, err := canonical.JSON(raw)
	if err != nil {
		return "", err
	}
	sig := canonical.B64.EncodeToString(ed25519.Sign(c.id.PrivateKey, canon))
	return fmt.Sprintf(`X-Matrix origin=%s,key="%s",sig="%s"`,
		c.id.ServerName, c.id.KeyID, sig), nil
}

func (c *Client) do(ctx context.Context, method string, dest domain.ServerName, uri string, content []byte) ([]byte, error) {
	auth, err := c.authHeader(method, uri, dest, content)
	if err != nil {
		return nil, err
	}
	u := url.URL{Scheme: c.Scheme, Host: string(dest), Path: ""}
	var reqBody io.Reader
	if len(content) > 0 {
		reqBody = bytes.NewReader(content)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String()+uri, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if len(content) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debug().Str("method", method).Str("dest", string(dest)).Str("uri", uri).Msg("request")
	resp, err := c.hc.Do(req)
	if err != nil {
		c.peers.Errset(dest, err.Error())
		return nil, errors.Wrapf(domain.ErrTransport, "fed: %s %s: %v", dest, uri, err)
	}
	defer resp.Body.Close()
	c.peers.AccountWrite(dest, u.Host, int64(len(content)))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<24))
	if err != nil {
		return nil, errors.Wrapf(err, "fed: read %s %s", dest, uri)
	}
	c.peers.AccountRead(dest, int64(len(body)))

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(domain.ErrNotFound, "fed: %s %s", dest, uri)
	default:
		return nil, errors.Errorf("fed: %s %s: status %d", dest, uri, resp.StatusCode)
	}
}

// Event fetches one event by id. The response carries pdus: [event].
func (c *Client) Event(ctx context.Context, dest domain.ServerName, id domain.EventID) ([]json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, dest,
		"/_matrix/federation/v1/event/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Origin         domain.ServerName `json:"origin"`
		OriginServerTS int64             `json:"origin_server_ts"`
		PDUs           []json.RawMessage `json:"pdus"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "fed: event response")
	}
	return out.PDUs, nil
}

// State fetches the room state at an event.
func (c *Client) State(ctx context.Context, dest domain.ServerName, room domain.RoomID, at domain.EventID) ([]json.RawMessage, []json.RawMessage, error) {
	uri := fmt.Sprintf("/_matrix/federation/v1/state/%s?event_id=%s",
		url.PathEscape(string(room)), url.QueryEscape(string(at)))
	body, err := c.do(ctx, http.MethodGet, dest, uri, nil)
	if err != nil {
		return nil, nil, err
	}
	var out struct {
		PDUs      []json.RawMessage `json:"pdus"`
		AuthChain []json.RawMessage `json:"auth_chain"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, nil, errors.Wrap(err, "fed: state response")
	}
	return out.PDUs, out.AuthChain, nil
}

// Backfill requests up to limit events before the given ids.
func (c *Client) Backfill(ctx context.Context, dest domain.ServerName, room domain.RoomID, from []domain.EventID, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	for _, id := range from {
		q.Add("v", string(id))
	}
	uri := fmt.Sprintf("/_matrix/federation/v1/backfill/%s?%s",
		url.PathEscape(string(room)), q.Encode())
	body, err := c.do(ctx, http.MethodGet, dest, uri, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "fed: backfill response")
	}
	return out.PDUs, nil
}

// Version queries the remote's software version.
func (c *Client) Version(ctx context.Context, dest domain.ServerName) (name, version string, err error) {
	body, err := c.do(ctx, http.MethodGet, dest, "/_matrix/federation/v1/version", nil)
	if err != nil {
		return "", "", err
	}
	var out struct {
		Server struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"server"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", errors.Wrap(err, "fed: version response")
	}
	return out.Server.Name, out.Server.Version, nil
}

// ServerKeys fetches the remote's published key document. This endpoint is
// unsigned by design.
func (c *Client) ServerKeys(ctx context.Context, dest domain.ServerName) ([]byte, error) {
	u := url.URL{Scheme: c.Scheme, Host: string(dest), Path: "/_matrix/key/v2/server"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.peers.Errset(dest, err.Error())
		return nil, errors.Wrapf(err, "fed: keys %s", dest)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fed: keys %s: status %d", dest, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	c.peers.AccountRead(dest, int64(len(body)))
	return body, nil
}

// QueryProfile looks up a user's profile on their homeserver.
func (c *Client) QueryProfile(ctx context.Context, dest domain.ServerName, user domain.UserID, field string) (map[string]any, error) {
	q := url.Values{}
	q.Set("user_id", string(user))
	if field != "" {
		q.Set("field", field)
	}
	body, err := c.do(ctx, http.MethodGet, dest,
		"/_matrix/federation/v1/query/profile?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "fed: profile response")
	}
	return out, nil
}

// QueryDirectory resolves a room alias on the remote.
func (c *Client) QueryDirectory(ctx context.Context, dest domain.ServerName, alias string) (domain.RoomID, []domain.ServerName, error) {
	q := url.Values{}
	q.Set("room_alias", alias)
	body, err := c.do(ctx, http.MethodGet, dest,
		"/_matrix/federation/v1/query/directory?"+q.Encode(), nil)
	if err != nil {
		return "", nil, err
	}
	var out struct {
		RoomID  domain.RoomID       `json:"room_id"`
		Servers []domain.ServerName `json:"servers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", nil, errors.Wrap(err, "fed: directory response")
	}
	return out.RoomID, out.Servers, nil
}

// UserDevices fetches a user's device list from their homeserver.
func (c *Client) UserDevices(ctx context.Context, dest domain.ServerName, user domain.UserID) ([]byte, error) {
	return c.do(ctx, http.MethodGet, dest,
		"/_matrix/federation/v1/user/devices/"+url.PathEscape(string(user)), nil)
}

// UserKeysQuery claims end-to-end identity keys for the given users.
func (c *Client) UserKeysQuery(ctx context.Context, dest domain.ServerName, deviceKeys map[domain.UserID][]string) ([]byte, error) {
	req := map[string]any{"device_keys": deviceKeys}
	content, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, dest,
		"/_matrix/federation/v1/user/keys/query", content)
}
