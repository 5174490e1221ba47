package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/studyroom-sync/client/api"
	"github.com/adwski/studyroom-sync/client/presence"
	"github.com/adwski/studyroom-sync/client/storage/memory"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 64 * 1024
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// SessionService is what the inspect server exposes of a running session.
	SessionService interface {
		Snapshot() memory.Snapshot
		ApplyPresence(ctx context.Context, feed []presence.MediaPresence) error
		UpdateStatus(ctx context.Context, muted, videoOff bool) error
		ViewPeer(ctx context.Context, userID int64) error
		ViewSubmission(ctx context.Context, submissionID int64) error
		Submissions(ctx context.Context) ([]api.SuccessfulSubmission, error)
		ResetView()
		SendChat(ctx context.Context, content string) error
	}

	PresenceEntry struct {
		Identity      string `json:"identity"`
		MicEnabled    bool   `json:"micEnabled"`
		CameraEnabled bool   `json:"cameraEnabled"`
		Speaking      bool   `json:"speaking"`
	}

	StatusRequest struct {
		IsMuted    bool `json:"isMuted"`
		IsVideoOff bool `json:"isVideoOff"`
	}

	ChatRequest struct {
		Content string `json:"content"`
	}

	GenericResponse struct {
		Message string      `json:"message,omitempty"`
		Error   string      `json:"error,omitempty"`
		Data    interface{} `json:"data,omitempty"`
	}

	Config struct {
		Logger     *zerolog.Logger
		Session    SessionService
		ListenAddr string
	}

	// Server is a local inspection and control surface for a headless client.
	Server struct {
		logger zerolog.Logger
		svc    SessionService
		*http.Server
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "inspect-server").Logger(),
		svc:    cfg.Session,
	}
	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}
	return srv
}

func (srv *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:         86400,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", srv.health)
	r.Get("/state", srv.state)
	r.Get("/state/participants", srv.participants)

	r.Route("/session", func(r chi.Router) {
		r.Post("/presence", srv.applyPresence)
		r.Post("/status", srv.updateStatus)
		r.Post("/view/{userID}", srv.viewPeer)
		r.Post("/view/submission/{submissionID}", srv.viewSubmission)
		r.Get("/submissions", srv.submissions)
		r.Delete("/view", srv.resetView)
		r.Post("/chat", srv.sendChat)
	})
	return r
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	snap := srv.svc.Snapshot()
	switch {
	case snap.Terminated != "":
		writeJSON(w, http.StatusServiceUnavailable, &GenericResponse{Error: "terminated: " + snap.Terminated})
	case !snap.Connected:
		writeJSON(w, http.StatusServiceUnavailable, &GenericResponse{Error: "disconnected"})
	default:
		writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
	}
}

func (srv *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.svc.Snapshot()})
}

func (srv *Server) participants(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.svc.Snapshot().Participants})
}

func (srv *Server) applyPresence(w http.ResponseWriter, r *http.Request) {
	var entries []PresenceEntry
	if !srv.decode(w, r, &entries) {
		return
	}
	feed := make([]presence.MediaPresence, 0, len(entries))
	for _, e := range entries {
		feed = append(feed, presence.MediaPresence{
			Identity:      e.Identity,
			MicEnabled:    e.MicEnabled,
			CameraEnabled: e.CameraEnabled,
			Speaking:      e.Speaking,
		})
	}
	srv.respond(w, srv.svc.ApplyPresence(r.Context(), feed))
}

func (srv *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !srv.decode(w, r, &req) {
		return
	}
	srv.respond(w, srv.svc.UpdateStatus(r.Context(), req.IsMuted, req.IsVideoOff))
}

func (srv *Server) viewPeer(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "bad user id"})
		return
	}
	srv.respond(w, srv.svc.ViewPeer(r.Context(), userID))
}

func (srv *Server) viewSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "submissionID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "bad submission id"})
		return
	}
	srv.respond(w, srv.svc.ViewSubmission(r.Context(), id))
}

func (srv *Server) submissions(w http.ResponseWriter, r *http.Request) {
	list, err := srv.svc.Submissions(r.Context())
	if err != nil {
		srv.respond(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: list})
}

func (srv *Server) resetView(w http.ResponseWriter, _ *http.Request) {
	srv.svc.ResetView()
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) sendChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !srv.decode(w, r, &req) {
		return
	}
	srv.respond(w, srv.svc.SendChat(r.Context(), req.Content))
}

func (srv *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		srv.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("bad request body")
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (srv *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
