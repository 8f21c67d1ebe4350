package http

import (
	"net/http"

	"livecast/internal/core/domain"
	"livecast/internal/infrastructure/middleware"
	"livecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// ConnectionHandler takes over an HTTP request as a relay websocket bound
// to id.
type ConnectionHandler interface {
	HandleConnection(w http.ResponseWriter, r *http.Request, id domain.ParticipantID)
}

type SignalHandler struct {
	relay ConnectionHandler
}

func NewSignalHandler(relay ConnectionHandler) *SignalHandler {
	return &SignalHandler{relay: relay}
}

// SetupRoutes mounts /ws behind auth, which must resolve the participant.
func (h *SignalHandler) SetupRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	router.GET("/ws", auth, h.Connect)
}

func (h *SignalHandler) Connect(c *gin.Context) {
	id, ok := middleware.ParticipantFrom(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("participant not resolved"))
		return
	}
	h.relay.HandleConnection(c.Writer, c.Request, id)
}
