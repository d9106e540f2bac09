// Package admin serves the HTTP control plane of the session server: health
// checks, an administrator sign-in, and start/stop/session controls.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"clinic/server/internal/auth"
	"clinic/server/internal/authpw"
	"clinic/server/internal/presence"
	"clinic/server/internal/rbac"
	"clinic/server/internal/server"
	"clinic/server/internal/store"
)

// SessionServer is the operational surface of server.Server.
type SessionServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Addr() net.Addr
	ListConnectedSessions() []server.SessionInfo
	CloseAllSessions(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Authenticator interface {
	VerifyCredentials(ctx context.Context, email, password string) (store.User, error)
}

type RoleLookup interface {
	FindRoleByID(ctx context.Context, id int64) (store.Role, error)
}

type PresenceLister interface {
	List(ctx context.Context) ([]presence.Entry, error)
}

type Deps struct {
	Server   SessionServer
	DB       Pinger
	Auth     Authenticator
	Roles    RoleLookup
	Presence PresenceLister // optional
	Redis    Pinger         // optional, checked by /api/ready when set
}

type HTTPServer struct {
	deps      Deps
	secret    []byte
	accessTTL time.Duration
	log       *zap.Logger
}

func NewHTTPServer(deps Deps, secret string, accessTTL time.Duration, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	return &HTTPServer{deps: deps, secret: []byte(secret), accessTTL: accessTTL, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	r.Post("/api/auth/signin", s.handleSignIn)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/api/server", s.handleServerStatus)
		r.Post("/api/server/start", s.handleServerStart)
		r.Post("/api/server/stop", s.handleServerStop)
		r.Get("/api/sessions", s.handleListSessions)
		r.Delete("/api/sessions", s.handleCloseSessions)
		r.Get("/api/presence", s.handlePresence)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database":       map[string]any{"status": "ok"},
		"session_server": map[string]any{"running": s.deps.Server.IsRunning()},
	}

	if err := s.deps.DB.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if s.deps.Redis != nil {
		checks["redis"] = map[string]any{"status": "ok"}
		if err := s.deps.Redis.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.deps.Auth.VerifyCredentials(r.Context(), body.Email, body.Password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}
	if err != nil {
		s.log.Error("admin sign-in", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}

	roleRow, err := s.deps.Roles.FindRoleByID(r.Context(), user.RoleID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("admin sign-in role lookup", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	if role, ok := rbac.ParseRole(roleRow.Name); err != nil || !ok || role != rbac.RoleAdministrator {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Administrator role required", nil)
		return
	}

	claims := auth.NewClaims(user.ID, user.Email, string(rbac.RoleAdministrator), s.accessTTL)
	token, err := auth.IssueToken(s.secret, claims)
	if err != nil {
		s.log.Error("issue admin token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": token,
		"userId":      user.ID,
		"role":        claims.Role,
		"expiresAt":   claims.Exp,
	})
}

func (s *HTTPServer) serverStatus() map[string]any {
	status := map[string]any{
		"running":  s.deps.Server.IsRunning(),
		"sessions": len(s.deps.Server.ListConnectedSessions()),
	}
	if addr := s.deps.Server.Addr(); addr != nil {
		status["addr"] = addr.String()
	}
	return status
}

func (s *HTTPServer) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.serverStatus())
}

func (s *HTTPServer) handleServerStart(w http.ResponseWriter, r *http.Request) {
	s.log.Info("session server start requested", actor(r))
	if err := s.deps.Server.Start(r.Context()); err != nil {
		s.log.Error("start session server", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "START_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, s.serverStatus())
}

func (s *HTTPServer) handleServerStop(w http.ResponseWriter, r *http.Request) {
	s.log.Info("session server stop requested", actor(r))
	// Shutdown must not be cut short by the caller hanging up.
	if err := s.deps.Server.Stop(context.WithoutCancel(r.Context())); err != nil {
		s.writeCloseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.serverStatus())
}

func (s *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Server.ListConnectedSessions()})
}

func (s *HTTPServer) handleCloseSessions(w http.ResponseWriter, r *http.Request) {
	s.log.Info("close all sessions requested", actor(r))
	if err := s.deps.Server.CloseAllSessions(context.WithoutCancel(r.Context())); err != nil {
		s.writeCloseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": true, "open": 0})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.deps.Presence == nil {
		writeError(w, http.StatusNotFound, "PRESENCE_DISABLED", "Presence tracking is not configured", nil)
		return
	}
	entries, err := s.deps.Presence.List(r.Context())
	if err != nil {
		s.log.Error("list presence", zap.Error(err))
		writeError(w, http.StatusBadGateway, "PRESENCE_UNAVAILABLE", "Presence store unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": entries})
}

func (s *HTTPServer) writeCloseError(w http.ResponseWriter, err error) {
	var closeErr *server.CloseError
	if errors.As(err, &closeErr) {
		writeError(w, http.StatusConflict, "SESSIONS_OPEN", "Some sessions did not close", map[string]any{
			"open":       closeErr.Open,
			"sessionIds": closeErr.SessionIDs,
		})
		return
	}
	s.log.Error("close sessions", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
}
