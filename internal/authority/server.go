// Package authority serves a policy provider over HTTP so other warden
// instances can use it as their remote provider.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/policy"
)

// Server answers the remote provider's three operations from a local
// provider. All routes except /health require a valid bearer token.
type Server struct {
	provider policy.Provider
	secret   []byte
	router   chi.Router
}

// New creates a server backed by provider.
func New(provider policy.Provider, secret string) (*Server, error) {
	if secret == "" {
		return nil, errors.New("authority: secret is required")
	}
	s := &Server{provider: provider, secret: []byte(secret)}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Group(func(api chi.Router) {
		api.Use(s.authenticate)
		api.Post(policy.PathAuthorize, s.authorize)
		api.Post(policy.PathChainTemplates, s.chainTemplate)
		api.Post(policy.PathAuditEvents, s.auditEvent)
	})
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("authority listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := policy.ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, string(ir.CodeUnauthorized), err.Error())
			return
		}
		if _, err := policy.VerifyToken(s.secret, raw); err != nil {
			slog.Warn("authority rejected token", "error", err, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, string(ir.CodeUnauthorized), "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	var req policy.Request
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(ir.CodeInvalidArgument), err.Error())
		return
	}
	d, err := s.provider.CheckAuthorization(r.Context(), req)
	if err != nil {
		s.fail(w, "authorize", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) chainTemplate(w http.ResponseWriter, r *http.Request) {
	var q policy.TemplateQuery
	if err := readJSON(w, r, &q); err != nil {
		writeError(w, http.StatusBadRequest, string(ir.CodeInvalidArgument), err.Error())
		return
	}
	t, err := s.provider.GetChainTemplate(r.Context(), q.FormKey, q.TenantID, q.Context)
	if err != nil {
		s.fail(w, "chain template", err)
		return
	}
	writeJSON(w, http.StatusOK, policy.TemplateAnswer{Template: t})
}

func (s *Server) auditEvent(w http.ResponseWriter, r *http.Request) {
	var ev ir.AuditEvent
	if err := readJSON(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, string(ir.CodeInvalidArgument), err.Error())
		return
	}
	if ev.EventID == "" {
		writeError(w, http.StatusBadRequest, string(ir.CodeInvalidArgument), "event_id is required")
		return
	}
	if err := s.provider.WriteAuditEvent(r.Context(), ev); err != nil {
		s.fail(w, "audit event", err)
		return
	}
	writeJSON(w, http.StatusOK, policy.AuditAck{EventID: ev.EventID})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	slog.Error("authority provider failed", "op", op, "error", err)
	writeError(w, http.StatusServiceUnavailable, string(ir.CodeStoreUnavailable), err.Error())
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body policy.ErrorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}
