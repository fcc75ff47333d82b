// Package api exposes the record handler over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"kryptonite/crypto"
	"kryptonite/keyvault"
	"kryptonite/record"
)

const maxBodyBytes = 1 << 20

// Authenticator reports whether a request may use the API.
type Authenticator func(r *http.Request) bool

// Server serves the encryption endpoints.
type Server struct {
	handler *record.Handler
	cipher  record.Cipher
	vault   keyvault.KeyVault
	auth    Authenticator
	logger  hclog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l.Named("api")
		}
	}
}

// WithAuthenticator guards every /api route with auth.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) {
		s.auth = auth
	}
}

// BearerToken accepts requests carrying "Authorization: Bearer <token>".
func BearerToken(token string) Authenticator {
	want := "Bearer " + token
	return func(r *http.Request) bool {
		return r.Header.Get("Authorization") == want
	}
}

// NewServer creates a server. cipher serves format-preserving value
// decryption, which needs the caller's field policy.
func NewServer(handler *record.Handler, cipher record.Cipher, vault keyvault.KeyVault, opt ...Option) *Server {
	s := &Server{
		handler: handler,
		cipher:  cipher,
		vault:   vault,
		logger:  hclog.NewNullLogger(),
	}
	for _, o := range opt {
		o(s)
	}
	return s
}

// Router returns the HTTP routes:
//
//	POST /api/v1/encrypt/value
//	POST /api/v1/decrypt/value
//	POST /api/v1/encrypt/record
//	POST /api/v1/decrypt/record
//	GET  /healthz
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/encrypt/value", s.encryptValue)
		r.Post("/decrypt/value", s.decryptValue)
		r.Post("/encrypt/record", s.encryptRecord)
		r.Post("/decrypt/record", s.decryptRecord)
	})
	return r
}

// ValueRequest carries one value and an optional field policy. Empty
// policy fields fall back to the handler defaults.
type ValueRequest struct {
	Value             any    `json:"value"`
	Algorithm         string `json:"algorithm,omitempty"`
	KeyID             string `json:"keyId,omitempty"`
	FpeTweak          string `json:"fpeTweak,omitempty"`
	FpeAlphabetType   string `json:"fpeAlphabetType,omitempty"`
	FpeAlphabetCustom string `json:"fpeAlphabetCustom,omitempty"`
	FpeEncoding       string `json:"fpeEncoding,omitempty"`
}

func (req ValueRequest) fieldConfig() record.FieldConfig {
	return record.FieldConfig{
		Algorithm:         req.Algorithm,
		KeyID:             req.KeyID,
		FpeTweak:          req.FpeTweak,
		FpeAlphabetType:   req.FpeAlphabetType,
		FpeAlphabetCustom: req.FpeAlphabetCustom,
		FpeEncoding:       req.FpeEncoding,
	}
}

// ValueResponse carries one encrypted or decrypted value.
type ValueResponse struct {
	Value any `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) encryptValue(w http.ResponseWriter, r *http.Request) {
	var req ValueRequest
	if !s.decode(w, r, &req) {
		return
	}
	fmd, err := s.handler.LeafMetaData(req.fieldConfig())
	if err != nil {
		s.error(w, r, err)
		return
	}
	ct, err := s.handler.EncryptLeaf(r.Context(), req.Value, fmd)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValueResponse{Value: ct})
}

func (s *Server) decryptValue(w http.ResponseWriter, r *http.Request) {
	var req ValueRequest
	if !s.decode(w, r, &req) {
		return
	}
	ct, ok := req.Value.(string)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "value must be a string"})
		return
	}

	var (
		value any
		err   error
	)
	if spec, specErr := crypto.CipherSpecFromName(req.Algorithm); specErr == nil && spec.FormatPreserving() {
		value, err = s.decryptFPE(r.Context(), ct, req)
	} else {
		value, err = s.handler.DecryptLeaf(r.Context(), ct)
	}
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValueResponse{Value: value})
}

func (s *Server) decryptFPE(ctx context.Context, ct string, req ValueRequest) (string, error) {
	fmd, err := s.handler.LeafMetaData(req.fieldConfig())
	if err != nil {
		return "", err
	}
	return s.cipher.DecipherFieldFPE(ctx, ct, fmd)
}

func (s *Server) encryptRecord(w http.ResponseWriter, r *http.Request) {
	s.processRecord(w, r, s.handler.EncryptFields)
}

func (s *Server) decryptRecord(w http.ResponseWriter, r *http.Request) {
	s.processRecord(w, r, s.handler.DecryptFields)
}

func (s *Server) processRecord(w http.ResponseWriter, r *http.Request, fn func(context.Context, map[string]any) (map[string]any, error)) {
	var rec map[string]any
	if !s.decode(w, r, &rec) {
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "record must be a JSON object"})
		return
	}
	out, err := fn(r.Context(), rec)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"keys":   s.vault.Len(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// error maps err to a status code. Messages carry paths and identifiers
// only, never values.
func (s *Server) error(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crypto.ErrConfiguration),
		errors.Is(err, crypto.ErrInvalidArgument),
		errors.Is(err, crypto.ErrDynamicKeyReference):
		return http.StatusBadRequest
	case errors.Is(err, crypto.ErrKeyNotFound),
		errors.Is(err, crypto.ErrKeyInvalid),
		errors.Is(err, crypto.ErrCryptoFailure):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth != nil && !s.auth(r) {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "access denied"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
