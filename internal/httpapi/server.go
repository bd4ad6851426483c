package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/protocol"
	"github.com/ent0n29/eva/internal/session"
	"github.com/ent0n29/eva/internal/transcript"
)

const (
	maxBodyBytes       = 64 << 10
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// Controller is the session surface the control API drives.
type Controller interface {
	Snapshot() session.State
	Start(mode protocol.Mode) error
	Stop() error
	ToggleVideo() error
	SetConfig(cfg protocol.SessionConfig) error
	StartChatWatcher(input string) error
	StopChatWatcher() error
	Recent(ctx context.Context, kind transcript.Kind, limit int) ([]transcript.Entry, error)
}

type Server struct {
	ctrl      Controller
	metrics   *observability.Metrics
	stages    *observability.StageWindow
	storeMode string
}

func New(ctrl Controller, metrics *observability.Metrics, stages *observability.StageWindow, storeMode string) *Server {
	return &Server{ctrl: ctrl, metrics: metrics, stages: stages, storeMode: storeMode}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/session", s.handleGetSession)
	r.Put("/v1/session/config", s.handleSetConfig)
	r.Post("/v1/session/start", s.handleStart)
	r.Post("/v1/session/stop", s.handleStop)
	r.Post("/v1/session/video/toggle", s.handleToggleVideo)
	r.Post("/v1/chat-watcher/start", s.handleStartChatWatcher)
	r.Post("/v1/chat-watcher/stop", s.handleStopChatWatcher)
	r.Get("/v1/transcript", s.handleTranscript)
	r.Get("/v1/diagnostics/latency", s.handleLatency)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"client_id":        st.ClientID,
		"phase":            st.Phase,
		"transcript_store": s.storeMode,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg protocol.SessionConfig
	if err := decodeJSON(r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.ctrl.SetConfig(cfg); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type startRequest struct {
	Mode protocol.Mode `json:"mode"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = protocol.ModeAudio
	}
	if err := s.ctrl.Start(req.Mode); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleToggleVideo(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.ToggleVideo(); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type chatWatcherRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleStartChatWatcher(w http.ResponseWriter, r *http.Request) {
	var req chatWatcherRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.ctrl.StartChatWatcher(req.Input); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) handleStopChatWatcher(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.StopChatWatcher(); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	kind := transcript.Kind(strings.TrimSpace(r.URL.Query().Get("kind")))
	switch kind {
	case "", transcript.KindTranscript, transcript.KindChat:
	default:
		respondError(w, http.StatusBadRequest, "invalid_kind", "kind must be transcript or chat")
		return
	}

	entries, err := s.ctrl.Recent(r.Context(), kind, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func respondControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidMode):
		respondError(w, http.StatusBadRequest, "invalid_mode", err.Error())
	case errors.Is(err, protocol.ErrInvalidVoice):
		respondError(w, http.StatusBadRequest, "invalid_voice", err.Error())
	case errors.Is(err, protocol.ErrInvalidVideoID):
		respondError(w, http.StatusBadRequest, "invalid_video_id", err.Error())
	case errors.Is(err, session.ErrAlreadyStarted):
		respondError(w, http.StatusConflict, "already_started", err.Error())
	case errors.Is(err, session.ErrNotConnected):
		respondError(w, http.StatusConflict, "not_connected", err.Error())
	case errors.Is(err, session.ErrConfigLocked):
		respondError(w, http.StatusConflict, "config_locked", err.Error())
	case errors.Is(err, session.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errEmptyBody
	}
	return sonic.Unmarshal(data, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode failed","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
