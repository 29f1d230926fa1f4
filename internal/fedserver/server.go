package fedserver

import (
	"crypto"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"construct/internal/canonical"
	"construct/internal/domain"
	"construct/internal/fed"
	"construct/internal/storage"
)

// Version strings served on /_matrix/federation/v1/version.
const (
	serverSoftware = "construct"
	serverVersion  = "0.1.0"
)

// Server exposes the federation read surface over HTTP.
type Server struct {
	e     *echo.Echo
	id    fed.Identity
	store storage.Engine
	log   zerolog.Logger
}

func New(id fed.Identity, store storage.Engine, log zerolog.Logger) *Server {
	s := &Server{
		e:     echo.New(),
		id:    id,
		store: store,
		log:   log.With().Str("component", "fedserver").Logger(),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())

	s.e.GET("/_matrix/federation/v1/version", s.version)
	s.e.GET("/_matrix/federation/v1/event/:eventID", s.event)
	s.e.GET("/_matrix/federation/v1/state/:roomID", s.state)
	s.e.GET("/_matrix/federation/v1/backfill/:roomID", s.backfill)
	s.e.GET("/_matrix/key/v2/server", s.serverKeys)
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("federation listener up")
	return s.e.Start(addr)
}

func (s *Server) Close() error { return s.e.Close() }

type matrixError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func notFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, matrixError{ErrCode: "M_NOT_FOUND", Error: msg})
}

func (s *Server) version(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"server": map[string]string{
			"name":    serverSoftware,
			"version": serverVersion,
		},
	})
}

func (s *Server) event(c echo.Context) error {
	id := domain.EventID(c.Param("eventID"))
	rec, ok, err := s.store.GetEvent(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(c, "event not known")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"origin":           string(s.id.ServerName),
		"origin_server_ts": time.Now().UnixMilli(),
		"pdus":             []json.RawMessage{json.RawMessage(rec.RawJSON)},
	})
}

func (s *Server) state(c echo.Context) error {
	room := domain.RoomID(c.Param("roomID"))
	recs, err := s.store.RoomEvents(c.Request().Context(), room, storage.SortDepthOrder, 0)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return notFound(c, "room not known")
	}
	// Latest state event per (type, state_key).
	type stateKey struct {
		typ string
		key string
	}
	latest := make(map[stateKey]json.RawMessage)
	for _, rec := range recs {
		if rec.StateKey == nil {
			continue
		}
		latest[stateKey{rec.Type, *rec.StateKey}] = json.RawMessage(rec.RawJSON)
	}
	pdus := make([]json.RawMessage, 0, len(latest))
	for _, raw := range latest {
		pdus = append(pdus, raw)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"pdus":       pdus,
		"auth_chain": []json.RawMessage{},
	})
}

func (s *Server) backfill(c echo.Context) error {
	room := domain.RoomID(c.Param("roomID"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	beforeDepth := int64(1<<62 - 1)
	for _, v := range c.QueryParams()["v"] {
		rec, ok, err := s.store.GetEvent(c.Request().Context(), domain.EventID(v))
		if err != nil {
			return err
		}
		if ok && rec.Depth < beforeDepth {
			beforeDepth = rec.Depth
		}
	}
	recs, err := s.store.Backfill(c.Request().Context(), room, beforeDepth, limit)
	if err != nil {
		return err
	}
	pdus := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		pdus = append(pdus, json.RawMessage(rec.RawJSON))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"origin":           string(s.id.ServerName),
		"origin_server_ts": time.Now().UnixMilli(),
		"pdus":             pdus,
	})
}

// serverKeys publishes this server's signing key with a self-signature.
func (s *Server) serverKeys(c echo.Context) error {
	signed, err := SignedKeyDocument(s.id, time.Now().Add(7*24*time.Hour))
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, signed)
}

// SignedKeyDocument builds and self-signs the published key document.
func SignedKeyDocument(id fed.Identity, validUntil time.Time) ([]byte, error) {
	pub := id.PrivateKey.Public()
	doc := map[string]any{
		"server_name":    string(id.ServerName),
		"valid_until_ts": validUntil.UnixMilli(),
		"verify_keys": map[string]any{
			id.KeyID: map[string]string{
				"key": canonical.B64.EncodeToString(publicKeyBytes(pub)),
			},
		},
		"old_verify_keys": map[string]any{},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	sig, err := canonical.SignJSON(raw, id.PrivateKey)
	if err != nil {
		return nil, err
	}
	doc["signatures"] = map[string]any{
		string(id.ServerName): map[string]string{
			id.KeyID: sig,
		},
	}
	return json.Marshal(doc)
}

func publicKeyBytes(pub crypto.PublicKey) []byte {
	if k, ok := pub.(ed25519.PublicKey); ok {
		return k
	}
	return nil
}
