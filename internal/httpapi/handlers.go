package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hivelink/hivelink/internal/registry"
	"github.com/hivelink/hivelink/internal/relay"
	"github.com/hivelink/hivelink/internal/workspace"
	"go.uber.org/zap"
)

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// workspaceIDMiddleware rejects malformed workspace ids before any
// handler runs; ids double as directory names.
func (s *Server) workspaceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := workspace.ValidateID(chi.URLParam(r, "id")); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.Start(r.Context(), id); err != nil {
		s.logger.Error("start failed", zap.String("workspace", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, actionResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "starting"})
}

type qrResponse struct {
	QR      *string `json:"qr"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	inst := s.lifecycle.Status(chi.URLParam(r, "id"))

	resp := qrResponse{Status: string(inst.Status)}
	switch {
	case inst.Status == registry.StatusWaitingQR && inst.PairingCode != "":
		code := inst.PairingCode
		resp.QR = &code
		resp.Message = "scan to pair"
	case inst.Status == registry.StatusConnected:
		resp.Message = "already connected, no pairing needed"
	default:
		resp.Message = "pairing code not available yet"
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Status   string  `json:"status"`
	Identity *string `json:"identity"`
	LastSeen *int64  `json:"lastSeen"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inst := s.lifecycle.Status(chi.URLParam(r, "id"))

	resp := statusResponse{Status: string(inst.Status)}
	if inst.Identity != "" {
		resp.Identity = &inst.Identity
	}
	if !inst.LastSeen.IsZero() {
		ms := inst.LastSeen.UnixMilli()
		resp.LastSeen = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.Disconnect(r.Context(), id); err != nil {
		s.logger.Error("disconnect failed", zap.String("workspace", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, actionResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "disconnected"})
}

type sendRequest struct {
	CounterpartyID string `json:"counterpartyId"`
	Text           string `json:"text"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.CounterpartyID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "counterpartyId and text are required"})
		return
	}

	msgID, err := s.sender.Send(r.Context(), id, req.CounterpartyID, req.Text)
	if errors.Is(err, relay.ErrNotConnected) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("send failed", zap.String("workspace", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Success: true, MessageID: msgID})
}

type messageView struct {
	ID           string `json:"id"`
	Direction    string `json:"direction"`
	Counterparty string `json:"counterpartyId"`
	Body         string `json:"text"`
	MessageType  string `json:"type"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := s.db.ListMessages(id, before, limit)
	if err != nil {
		s.logger.Error("list messages", zap.String("workspace", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list messages"})
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:           m.ID,
			Direction:    m.Direction,
			Counterparty: m.Counterparty,
			Body:         m.Body,
			MessageType:  m.MessageType,
			Status:       m.Status,
			Timestamp:    m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

// handleEvents upgrades to WebSocket and streams the workspace's event
// envelopes until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	unsub := s.hub.Subscribe(id, conn)
	s.logger.Info("event subscriber connected", zap.String("workspace", id))

	// Reads are only used to observe the close; inbound frames are ignored.
	go func() {
		defer func() {
			unsub()
			_ = conn.Close()
			s.logger.Info("event subscriber disconnected", zap.String("workspace", id))
		}()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
