// Package httpremote carries the remote authority contract over HTTP: a chi
// router that serves any remote.API per authenticated user, and a client
// that implements remote.API against it.
package httpremote

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/errs"
	"github.com/jmcleod/ironpass/item"
	"github.com/jmcleod/ironpass/key"
	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/share"
)

const maxBodySize = 4 << 20

//go:embed openapi.yaml
var openapiSpec []byte

// SessionFunc returns the authority as seen by one authenticated user.
type SessionFunc func(userID string) remote.API

type contextKey int

const userKey contextKey = iota

// Server exposes a remote authority over HTTP.
type Server struct {
	sessions SessionFunc
	secret   []byte
	logger   *zap.Logger
	limiter  *authLimiter

	// mountPath is where Router is mounted; the docs pages link through it.
	mountPath string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMountPath tells the documentation pages where Router is mounted,
// e.g. "/api/v1".
func WithMountPath(p string) ServerOption {
	return func(s *Server) { s.mountPath = strings.TrimRight(p, "/") }
}

// WithAuthLockout locks a source address out for base once it has sent
// maxFailures invalid tokens, doubling per further failure.
func WithAuthLockout(maxFailures int, base time.Duration) ServerOption {
	return func(s *Server) { s.limiter = newAuthLimiter(maxFailures, base) }
}

// NewServer verifies bearer tokens with secret and dispatches requests to
// the session of the token's subject.
func NewServer(sessions SessionFunc, secret []byte, opts ...ServerOption) *Server {
	s := &Server{
		sessions: sessions,
		secret:   append([]byte(nil), secret...),
		limiter:  newAuthLimiter(authMaxFailures, authBaseLockout),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Router returns a chi.Router with every authority route mounted, plus the
// OpenAPI document and its Swagger UI and Redoc pages, which need no token.
func (s *Server) Router() chi.Router {
	prefix := s.mountPath
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: prefix + "/openapi.yaml",
		Path:    strings.TrimPrefix(prefix+"/docs", "/"),
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: prefix + "/openapi.yaml",
		Path:    strings.TrimPrefix(prefix+"/redoc", "/"),
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Use(s.authenticate)
		s.routes(r)
	})
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Post("/addresses", s.registerAddress)
	r.Get("/shares", s.fetchShares)
	r.Post("/vaults", s.createVault)
	r.Route("/vaults/{shareID}", func(r chi.Router) {
		r.Put("/", s.updateVault)
		r.Delete("/", s.deleteVault)
		r.Post("/primary", s.markPrimary)
	})
	r.Route("/shares/{shareID}", func(r chi.Router) {
		r.Get("/keys/{rotation}", s.fetchWrappedKey)
		r.Get("/items", s.fetchItems)
		r.Post("/items", s.submitItem)
		r.Post("/items/state", s.setItemState)
		r.Post("/items/delete", s.deleteItems)
		r.Get("/events/latest", s.latestEventToken)
		r.Get("/events", s.fetchEvents)
	})
	r.Post("/items/migrate", s.migrateItem)
}

// authenticate resolves the bearer token to a user ID on the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := remoteHost(r)
		if blocked, retry := s.limiter.check(host); blocked {
			writeRateLimited(w, retry)
			return
		}
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			s.limiter.recordFailure(host)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		userID, err := VerifyToken(s.secret, raw)
		if err != nil {
			s.limiter.recordFailure(host)
			s.logger.Warn("rejected token", zap.String("path", r.URL.Path), zap.String("remote", host), zap.Error(err))
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid bearer token")
			return
		}
		s.limiter.recordSuccess(host)
		ctx := context.WithValue(r.Context(), userKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SweepLockouts drops expired lockout records every interval until ctx
// ends.
func (s *Server) SweepLockouts(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.limiter.sweep()
		}
	}
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey).(string)
	return u
}

func (s *Server) session(r *http.Request) (remote.API, string) {
	u := userFrom(r.Context())
	return s.sessions(u), u
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errs.IsRetryable(err) && !isClientError(err) {
		s.logger.Error("authority call failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	mapError(w, err)
}

func isClientError(err error) bool {
	for _, target := range []error{errs.ErrNotFound, errs.ErrValidation, errs.ErrUnauthorized, errs.ErrRevisionConflict} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type registerAddressRequest struct {
	AddressID string `json:"address_id"`
	PublicKey []byte `json:"public_key"`
}

func (s *Server) registerAddress(w http.ResponseWriter, r *http.Request) {
	var req registerAddressRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.PublicKey) != 32 {
		writeError(w, http.StatusBadRequest, codeValidation, "public key must be 32 bytes")
		return
	}
	var pub [32]byte
	copy(pub[:], req.PublicKey)
	api, u := s.session(r)
	if err := api.RegisterAddress(r.Context(), u, req.AddressID, pub); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fetchShares(w http.ResponseWriter, r *http.Request) {
	api, u := s.session(r)
	shares, err := api.FetchShares(r.Context(), u)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (s *Server) createVault(w http.ResponseWriter, r *http.Request) {
	var req share.CreateVaultRequest
	if !decode(w, r, &req) {
		return
	}
	api, u := s.session(r)
	d, err := api.CreateVault(r.Context(), u, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type updateVaultRequest struct {
	Rotation uint64 `json:"rotation"`
	Content  []byte `json:"content"`
}

func (s *Server) updateVault(w http.ResponseWriter, r *http.Request) {
	var req updateVaultRequest
	if !decode(w, r, &req) {
		return
	}
	api, u := s.session(r)
	d, err := api.UpdateVault(r.Context(), u, chi.URLParam(r, "shareID"), req.Rotation, req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteVault(w http.ResponseWriter, r *http.Request) {
	api, u := s.session(r)
	if err := api.DeleteVault(r.Context(), u, chi.URLParam(r, "shareID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markPrimary(w http.ResponseWriter, r *http.Request) {
	api, u := s.session(r)
	if err := api.MarkPrimary(r.Context(), u, chi.URLParam(r, "shareID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fetchWrappedKey(w http.ResponseWriter, r *http.Request) {
	rotation := key.LatestRotation
	if raw := chi.URLParam(r, "rotation"); raw != "latest" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			writeError(w, http.StatusBadRequest, codeValidation, "rotation must be a positive integer or latest")
			return
		}
		rotation = n
	}
	api, _ := s.session(r)
	wk, err := api.FetchWrappedKey(r.Context(), chi.URLParam(r, "shareID"), rotation)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) fetchItems(w http.ResponseWriter, r *http.Request) {
	page := remote.Page{Token: r.URL.Query().Get("token")}
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeValidation, "size must be a non-negative integer")
			return
		}
		page.Size = n
	}
	api, u := s.session(r)
	p, err := api.FetchItems(r.Context(), u, chi.URLParam(r, "shareID"), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) submitItem(w http.ResponseWriter, r *http.Request) {
	var req remote.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	api, _ := s.session(r)
	res, err := api.SubmitItem(r.Context(), chi.URLParam(r, "shareID"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type itemStateRequest struct {
	Items []remote.ItemRevision `json:"items"`
	State item.State            `json:"state"`
}

func (s *Server) setItemState(w http.ResponseWriter, r *http.Request) {
	var req itemStateRequest
	if !decode(w, r, &req) {
		return
	}
	api, _ := s.session(r)
	res, err := api.SetItemState(r.Context(), chi.URLParam(r, "shareID"), req.Items, req.State)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deleteItemsRequest struct {
	Items []remote.ItemRevision `json:"items"`
}

func (s *Server) deleteItems(w http.ResponseWriter, r *http.Request) {
	var req deleteItemsRequest
	if !decode(w, r, &req) {
		return
	}
	api, _ := s.session(r)
	if err := api.DeleteItems(r.Context(), chi.URLParam(r, "shareID"), req.Items); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) migrateItem(w http.ResponseWriter, r *http.Request) {
	var req remote.MigrateRequest
	if !decode(w, r, &req) {
		return
	}
	api, _ := s.session(r)
	d, err := api.MigrateItem(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type tokenResponse struct {
	Token remote.EventToken `json:"token"`
}

func (s *Server) latestEventToken(w http.ResponseWriter, r *http.Request) {
	api, _ := s.session(r)
	tok, err := api.FetchLatestEventToken(r.Context(), chi.URLParam(r, "shareID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok})
}

func (s *Server) fetchEvents(w http.ResponseWriter, r *http.Request) {
	api, _ := s.session(r)
	since := remote.EventToken(r.URL.Query().Get("since"))
	list, err := api.FetchEvents(r.Context(), chi.URLParam(r, "shareID"), since)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
