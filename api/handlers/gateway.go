// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/stdio-gateway/internal/logutil"
	"github.com/remote-agent-terminal/stdio-gateway/internal/model"
	"github.com/remote-agent-terminal/stdio-gateway/internal/repository"
	"github.com/remote-agent-terminal/stdio-gateway/internal/session"
	"github.com/remote-agent-terminal/stdio-gateway/internal/stream"
	"github.com/remote-agent-terminal/stdio-gateway/internal/transcript"
)

const (
	// DefaultIdentityHeader is the request header carrying the caller's user id.
	DefaultIdentityHeader = "X-User-ID"

	// DefaultBodyLimit caps POST /message bodies at 1 MiB.
	DefaultBodyLimit = 1 << 20
)

// RecordStore reads persisted session records.
type RecordStore interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.SessionRecord, error)
	GetByID(ctx context.Context, id string) (*model.SessionRecord, error)
}

// Options configures the gateway handlers.
type Options struct {
	// IdentityHeader carries the caller's user id. It is trusted as is.
	IdentityHeader string

	// BodyLimit caps POST /message bodies in bytes.
	BodyLimit int64
}

// GatewayHandler serves the session gateway over HTTP.
type GatewayHandler struct {
	gateway        *session.Gateway
	records        RecordStore
	identityHeader string
	bodyLimit      int64
}

// NewGatewayHandler creates a new GatewayHandler. records may be nil when
// session history is not kept.
func NewGatewayHandler(gateway *session.Gateway, records RecordStore, opts Options) *GatewayHandler {
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = DefaultIdentityHeader
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}

	return &GatewayHandler{
		gateway:        gateway,
		records:        records,
		identityHeader: opts.IdentityHeader,
		bodyLimit:      opts.BodyLimit,
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// SessionResponse represents a session record in API responses.
type SessionResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Command   string `json:"command"`
	PID       *int   `json:"pid,omitempty"`
	Status    string `json:"status"`
	EndReason string `json:"endReason,omitempty"`
	Live      bool   `json:"live"`
	Duration  string `json:"duration"`
	StartedAt string `json:"startedAt"`
	EndedAt   string `json:"endedAt,omitempty"`
}

// TranscriptResponse is the body of GET /sessions/:id/transcript.
type TranscriptResponse struct {
	Header transcript.Header  `json:"header"`
	Events []transcript.Event `json:"events"`
}

func toSessionResponse(rec *model.SessionRecord, liveID string) *SessionResponse {
	resp := &SessionResponse{
		ID:        rec.ID,
		UserID:    rec.UserID,
		Command:   rec.Command,
		PID:       rec.PID,
		Status:    string(rec.Status),
		EndReason: string(rec.EndReason),
		Live:      rec.ID == liveID,
		Duration:  formatDuration(rec.Duration()),
		StartedAt: rec.StartedAt.Format(time.RFC3339),
	}
	if rec.EndedAt != nil {
		resp.EndedAt = rec.EndedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// classify maps gateway errors to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrMissingIdentity):
		return http.StatusBadRequest, "MISSING_IDENTITY"
	case errors.Is(err, model.ErrInvalidPayload):
		return http.StatusBadRequest, "INVALID_PAYLOAD"
	case errors.Is(err, model.ErrNoSuchSession):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, model.ErrDeliveryFailed):
		return http.StatusInternalServerError, "DELIVERY_FAILED"
	case errors.Is(err, model.ErrSpawnFailure):
		return http.StatusInternalServerError, "SPAWN_FAILED"
	case errors.Is(err, model.ErrTransportClosed):
		return http.StatusInternalServerError, "TRANSPORT_CLOSED"
	case errors.Is(err, model.ErrCapacity):
		return http.StatusServiceUnavailable, "CAPACITY_REACHED"
	case errors.Is(err, model.ErrGatewayClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func sendGatewayError(c *gin.Context, err error) {
	status, code := classify(err)
	sendError(c, status, code, err.Error())
}

// userID returns the caller's identity, or "" after sending a 400.
func (h *GatewayHandler) userID(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(h.identityHeader))
	if id == "" {
		sendError(c, http.StatusBadRequest, "MISSING_IDENTITY", "Missing "+h.identityHeader+" header")
	}
	return id
}

// Stream handles GET /stream - opens the caller's session as an SSE stream.
// The response stays open until the session ends.
func (h *GatewayHandler) Stream(c *gin.Context) {
	userID := h.userID(c)
	if userID == "" {
		return
	}

	ch, err := stream.NewSSE(c.Writer)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "STREAM_UNSUPPORTED", err.Error())
		return
	}

	sess, err := h.gateway.Connect(c.Request.Context(), userID, ch)
	if err != nil {
		sendGatewayError(c, err)
		return
	}
	log.Printf("[%s] SSE connected", logutil.SanitizeForLog(userID))

	ch.Serve(c.Request.Context())
	h.gateway.End(sess, model.ReasonClientDisconnect)
}

// Message handles POST /message - forwards a JSON body to the caller's process.
func (h *GatewayHandler) Message(c *gin.Context) {
	userID := h.userID(c)
	if userID == "" {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.bodyLimit)

	// The gateway validates the body after its session lookup.
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"Body exceeds "+strconv.FormatInt(h.bodyLimit, 10)+" bytes")
			return
		}
		sendError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "Failed to read request body: "+err.Error())
		return
	}

	if err := h.gateway.Send(userID, json.RawMessage(body)); err != nil {
		sendGatewayError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Health handles GET /health.
func (h *GatewayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: h.gateway.Health(),
	})
}

// Disconnect handles DELETE /session - ends the caller's session, if any.
func (h *GatewayHandler) Disconnect(c *gin.Context) {
	userID := h.userID(c)
	if userID == "" {
		return
	}

	if err := h.gateway.Disconnect(userID); err != nil {
		sendGatewayError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// List handles GET /sessions - lists the caller's recent sessions.
func (h *GatewayHandler) List(c *gin.Context) {
	userID := h.userID(c)
	if userID == "" {
		return
	}
	if h.records == nil {
		sendError(c, http.StatusNotFound, "HISTORY_DISABLED", "Session history is not kept")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.records.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	liveID := ""
	if s, ok := h.gateway.Lookup(userID); ok {
		liveID = s.ID
	}

	responses := make([]*SessionResponse, 0, len(records))
	for _, rec := range records {
		responses = append(responses, toSessionResponse(rec, liveID))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": responses,
		"total":    len(responses),
	})
}

// Transcript handles GET /sessions/:id/transcript - returns one of the
// caller's transcripts.
func (h *GatewayHandler) Transcript(c *gin.Context) {
	userID := h.userID(c)
	if userID == "" {
		return
	}
	if h.records == nil {
		sendError(c, http.StatusNotFound, "HISTORY_DISABLED", "Session history is not kept")
		return
	}

	sessionID := c.Param("id")
	rec, err := h.records.GetByID(c.Request.Context(), sessionID)
	if err != nil && !errors.Is(err, repository.ErrRecordNotFound) {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}
	// Other users' sessions are reported as missing.
	if rec == nil || rec.UserID != userID {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
		return
	}
	if rec.TranscriptPath == "" {
		sendError(c, http.StatusNotFound, "TRANSCRIPT_NOT_FOUND", "Session has no transcript")
		return
	}

	header, events, err := transcript.ReadFile(rec.TranscriptPath)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read transcript: "+err.Error())
		return
	}
	if events == nil {
		events = []transcript.Event{}
	}
	c.JSON(http.StatusOK, TranscriptResponse{Header: header, Events: events})
}

// RegisterRoutes registers the gateway routes on a Gin router group.
func (h *GatewayHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stream", h.Stream)
	rg.GET("/sse", h.Stream)
	rg.POST("/message", h.Message)
	rg.GET("/health", h.Health)
	rg.DELETE("/session", h.Disconnect)
	rg.GET("/sessions", h.List)
	rg.GET("/sessions/:id/transcript", h.Transcript)
	rg.GET("/ws", h.WebSocket)
}
