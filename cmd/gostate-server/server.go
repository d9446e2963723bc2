package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	goState "github.com/MrEthical07/goState"
	"github.com/MrEthical07/goState/gateway"
	"github.com/MrEthical07/goState/metrics/export/prometheus"
	"github.com/MrEthical07/goState/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type server struct {
	engine  *goState.Engine
	gw      *gateway.Gateway
	metrics bool
	log     logrus.FieldLogger
}

func newServer(engine *goState.Engine, gw *gateway.Gateway, metrics bool) *server {
	return &server{
		engine:  engine,
		gw:      gw,
		metrics: metrics,
		log:     engine.Logger().WithField("component", "http"),
	}
}

func (s *server) routes() http.Handler {
	w := s.engine.Windows()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestContext)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics {
		r.Method(http.MethodGet, "/metrics", prometheus.NewPrometheusExporter(s.engine).Handler())
	}
	r.Handle("/ws", s.gw)

	r.Route("/v1", func(r chi.Router) {
		// Login runs its own per-IP window inside Engine.Login.
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(s.engine))
			r.Use(middleware.RateLimit(s.engine, w.API, middleware.BySessionOrIP))

			r.Get("/me", s.handleMe)
			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/logout-all", s.handleLogoutAll)
			r.Get("/sessions", s.handleSessions)

			r.Get("/rooms", s.handleRooms)
			r.Get("/rooms/{room}", s.handleRoom)

			r.With(requireRole("admin"), middleware.RateLimit(s.engine, w.Create, middleware.BySessionOrIP)).
				Post("/admin/invalidate/{scope}", s.handleInvalidate)
			r.With(requireRole("admin"), middleware.RateLimit(s.engine, w.Create, middleware.BySessionOrIP)).
				Post("/admin/invalidate/{scope}/{id}", s.handleInvalidate)
		})
	})
	return r
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type loginResponse struct {
	SessionID   string `json:"sessionId"`
	Token       string `json:"token,omitempty"`
	PrincipalID string `json:"principalId"`
	Role        string `json:"role,omitempty"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	res, err := s.engine.Login(r.Context(), req.Identifier, req.Secret)
	if err != nil {
		var rl *goState.RateLimitError
		switch {
		case errors.As(err, &rl):
			middleware.WriteDenial(w, rl.Result, s.engine.Now())
		case errors.Is(err, goState.ErrTemporarilyBlocked):
			writeError(w, http.StatusForbidden, "temporarily_blocked")
		case errors.Is(err, goState.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
		default:
			s.fail(w, r, err)
		}
		return
	}

	token := res.Token
	if token == "" {
		token = res.SessionID
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.engine.Config().Session.TTL / time.Second),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		SessionID:   res.SessionID,
		Token:       res.Token,
		PrincipalID: res.Principal.ID,
		Role:        res.Principal.Role,
	})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	if err := s.engine.Logout(r.Context(), sess.SessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: middleware.SessionCookie, Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	n, err := s.engine.LogoutAll(r.Context(), sess.PrincipalID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":    sess.SessionID,
		"principalId":  sess.PrincipalID,
		"nickname":     sess.Nickname,
		"role":         sess.Role,
		"ip":           sess.IP,
		"loginTime":    time.UnixMilli(sess.LoginTime).UTC(),
		"lastActivity": time.UnixMilli(sess.LastActivity).UTC(),
	})
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	ids, err := s.engine.PrincipalSessions(r.Context(), sess.PrincipalID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.engine.ActiveRooms(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *server) handleRoom(w http.ResponseWriter, r *http.Request) {
	conns, err := s.engine.GetRoomConnections(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(conns) == 0 {
		writeError(w, http.StatusNotFound, "room_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": chi.URLParam(r, "room"), "connections": conns})
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var invalidate func(context.Context) (int, error)
	switch scope := chi.URLParam(r, "scope"); {
	case scope == "all" && id == "":
		invalidate = s.engine.ClearAllCache
	case scope == "streamers" && id == "":
		invalidate = s.engine.InvalidateStreamersCache
	case id == "":
	case scope == "user":
		invalidate = func(ctx context.Context) (int, error) { return s.engine.InvalidateUserCache(ctx, id) }
	case scope == "streamer":
		invalidate = func(ctx context.Context) (int, error) { return s.engine.InvalidateStreamerCache(ctx, id) }
	case scope == "auth":
		invalidate = func(ctx context.Context) (int, error) { return s.engine.InvalidateAuthCache(ctx, id) }
	case scope == "socket":
		invalidate = func(ctx context.Context) (int, error) { return s.engine.InvalidateSocketCache(ctx, id) }
	}
	if invalidate == nil {
		writeError(w, http.StatusNotFound, "unknown_scope")
		return
	}

	n, err := invalidate(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.engine.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "redis": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "redis": "up"})
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if goState.IsStoreError(err) {
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable")
		return
	}
	s.log.WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"request_id": chimw.GetReqID(r.Context()),
	}).WithError(err).Error("gostate-server: request failed")
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := middleware.SessionFromContext(r.Context())
			if !ok || sess.Role != role {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
