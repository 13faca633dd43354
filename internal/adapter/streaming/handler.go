package streaming

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codrlabs/codr/internal/adapter/httpserver"
	"github.com/codrlabs/codr/internal/domain"
	"github.com/codrlabs/codr/internal/usecase"
)

// Handler performs the stream handshake: admission checks, token
// verification, registration and the initial snapshot.
type Handler struct {
	Hub      *Hub
	Tokens   usecase.TokenService
	Results  usecase.ResultService
	upgrader websocket.Upgrader
}

// NewHandler builds the handshake handler. An origins list of "*" admits
// any Origin header.
func NewHandler(hub *Hub, tokens usecase.TokenService, results usecase.ResultService, origins []string) *Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return &Handler{
		Hub:     hub,
		Tokens:  tokens,
		Results: results,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// ServeHTTP runs the handshake. Checks that fail before the protocol
// upgrade answer with plain HTTP status codes; authorization failures
// upgrade first so the client receives a policy-violation close frame.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !domain.ValidJobID(jobID) {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	ip := httpserver.ClientIP(r)

	if h.Hub.guard.Banned(ip) {
		h.Hub.recordEvent("ws_banned_attempt", ip, jobID)
		http.Error(w, "temporarily banned", http.StatusTooManyRequests)
		return
	}
	if !h.Hub.guard.ConnectionAllowed(ip) {
		h.Hub.guard.Violation(ip)
		h.Hub.recordEvent("ws_connection_limit", ip, jobID)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.Tokens.Verify(tokenStr)
	authorized := err == nil && claims.JobID == jobID

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("stream upgrade failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}

	if !authorized {
		h.Hub.guard.Violation(ip)
		h.Hub.recordEvent("ws_token_rejected", ip, jobID)
		rejectConn(conn, websocket.ClosePolicyViolation, "token not valid for this job")
		return
	}

	// Post-auth budget is counted per ip+jti so a replayed token cannot
	// reset another client's window.
	if !h.Hub.guard.AllowEvent(ip + ":" + claims.ID) {
		h.Hub.guard.Violation(ip)
		h.Hub.recordEvent("ws_handshake_flood", ip, jobID)
		rejectConn(conn, websocket.ClosePolicyViolation, "handshake rate exceeded")
		return
	}

	client := newClient(h.Hub, conn, jobID, uuid.NewString(), ip)
	// Staged before registration so any bridge broadcast queues behind it:
	// the stored snapshot is always the first message on the wire.
	h.queueSnapshot(r, client)
	if err := h.Hub.register(client); err != nil {
		slog.Error("stream registration failed", slog.String("job_id", jobID), slog.Any("error", err))
		rejectConn(conn, websocket.CloseInternalServerErr, "subscription unavailable")
		return
	}

	go client.writePump()
	go client.readPump()

	slog.Info("stream connected",
		slog.String("job_id", jobID),
		slog.String("conn_id", client.connID),
		slog.String("client_ip", ip))
}

// queueSnapshot stages the stored job state as the connection's first
// message, so a subscriber joining after the terminal transition still
// sees it.
func (h *Handler) queueSnapshot(r *http.Request, c *Client) {
	job, found, err := h.Results.Snapshot(r.Context(), c.jobID)
	if err != nil {
		slog.Warn("snapshot read failed", slog.String("job_id", c.jobID), slog.Any("error", err))
		return
	}
	update := domain.JobUpdate{
		Type:      domain.UpdateTypeStatus,
		JobID:     c.jobID,
		Status:    domain.JobUnknown,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	if found {
		update.Status = job.Status
		update.Error = job.Error
		if job.Status.Terminal() && job.Result != "" {
			var res domain.ExecutionResult
			if err := json.Unmarshal([]byte(job.Result), &res); err == nil {
				update.Result = &res
			}
		}
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	// The send buffer is empty at this point; the write pump has not
	// started, so this cannot block.
	c.send <- payload
}

func rejectConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}
