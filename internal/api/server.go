// ABOUTME: HTTP API exposing bridged rooms, messages and encryption diagnostics
// ABOUTME: Thin JSON layer over the bridge coordinator, with runtime webhook configuration

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/TaoGuerreiro/matrix-bridge-api/internal/bridge"
)

const defaultMessageLimit = 50

// Server is the HTTP API over a running bridge. Live message delivery
// to external consumers happens through the Webhook sink, not through
// these endpoints.
type Server struct {
	bridge  *bridge.Bridge
	webhook *Webhook
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewServer creates the API server. webhook may be nil when no
// forwarding is configured or wanted.
func NewServer(addr string, b *bridge.Bridge, webhook *Webhook, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bridge:  b,
		webhook: webhook,
		logger:  logger.With("component", "api"),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /rooms", s.handleRooms)
	mux.HandleFunc("GET /rooms/{id}/messages", s.handleRoomMessages)
	mux.HandleFunc("GET /messages", s.handleMessages)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /encryption/status", s.handleEncryptionStatus)
	mux.HandleFunc("POST /sync", s.handleSync)

	return mux
}

// Start begins serving in the background. Errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.bridge.Status(r.Context())
	healthy := status.Store.Available

	code := http.StatusOK
	label := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		label = "degraded"
	}
	s.writeJSON(w, code, map[string]any{
		"status":          label,
		"store_available": status.Store.Available,
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.bridge.Rooms()

	if p := r.URL.Query().Get("platform"); p != "" {
		filtered := rooms[:0]
		for _, room := range rooms {
			if room.Platform == p {
				filtered = append(filtered, room)
			}
		}
		rooms = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms, "count": len(rooms)})
}

func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, false
		}
		limit = n
	}
	return limit, true
}

func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	roomID := id.RoomID(r.PathValue("id"))

	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	msgs, err := s.bridge.Messages(r.Context(), roomID, limit)
	if err != nil {
		s.logger.Warn("message fetch failed", "room_id", roomID, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to fetch messages")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"room_id":  roomID,
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	platform := r.URL.Query().Get("platform")

	msgs, err := s.bridge.MessagesByPlatform(r.Context(), platform, limit)
	if err != nil {
		s.logger.Warn("feed fetch failed", "platform", platform, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to fetch messages")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"platform": platform,
		"messages": msgs,
		"count":    len(msgs),
	})
}

type sendRequest struct {
	RoomID  id.RoomID `json:"room_id"`
	Message string    `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RoomID == "" || req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "room_id and message are required")
		return
	}

	eventID, err := s.bridge.SendMessage(r.Context(), req.RoomID, req.Message)
	if err != nil {
		s.logger.Warn("send failed", "room_id", req.RoomID, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to send message")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID})
}

type webhookRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhook == nil {
		s.writeError(w, http.StatusNotImplemented, "webhook forwarding not available")
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL != "" {
		u, err := url.Parse(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			s.writeError(w, http.StatusBadRequest, "url must be http(s)")
			return
		}
	}

	s.webhook.SetURL(req.URL)
	s.writeJSON(w, http.StatusOK, map[string]any{"url": req.URL})
}

func (s *Server) handleEncryptionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.Status(r.Context()))
}

// handleSync forces an immediate retry sweep over the decryption
// backlog and reports the result.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.bridge.Sweep(r.Context())
	s.writeJSON(w, http.StatusOK, s.bridge.Status(r.Context()).Pipeline)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
