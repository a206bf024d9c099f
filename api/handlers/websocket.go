package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/stdio-gateway/internal/logutil"
	"github.com/remote-agent-terminal/stdio-gateway/internal/model"
	"github.com/remote-agent-terminal/stdio-gateway/internal/stream"
)

// closeCode maps a connect failure to a WebSocket close code.
func closeCode(status int) int {
	if status == http.StatusServiceUnavailable {
		return websocket.CloseTryAgainLater
	}
	if status < http.StatusInternalServerError {
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseInternalServerErr
}

// WebSocket handles GET /ws - opens the caller's session over a WebSocket.
// Each output line is one text frame; each inbound text frame is one message.
func (h *GatewayHandler) WebSocket(c *gin.Context) {
	userID := h.userID(c)
	if userID == "" {
		return
	}
	label := logutil.SanitizeForLog(userID)

	conn, err := stream.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied.
		log.Printf("[%s] WebSocket upgrade failed: %v", label, err)
		return
	}
	ch := stream.NewWebSocket(conn)

	sess, err := h.gateway.Connect(c.Request.Context(), userID, ch)
	if err != nil {
		status, code := classify(err)
		ch.CloseWithReason(closeCode(status), code)
		return
	}
	log.Printf("[%s] WebSocket connected", label)

	ch.ReadLoop(func(data []byte) {
		err := h.gateway.SendTo(sess, data)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrInvalidPayload):
			log.Printf("[%s] dropped invalid frame: %v", label, err)
		default:
			// The session is gone; ReadLoop ends once the channel closes.
			log.Printf("[%s] failed to deliver frame: %v", label, err)
		}
	})
	h.gateway.End(sess, model.ReasonClientDisconnect)
}
