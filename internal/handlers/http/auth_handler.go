package http

import (
	"net/http"
	"strings"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// PresenceChecker reports whether a participant currently holds a relay
// connection.
type PresenceChecker interface {
	IsConnected(id domain.ParticipantID) bool
}

type AuthHandler struct {
	tokens   *services.TokenService
	presence PresenceChecker
	ttl      time.Duration
}

func NewAuthHandler(tokens *services.TokenService, presence PresenceChecker, ttl time.Duration) *AuthHandler {
	return &AuthHandler{tokens: tokens, presence: presence, ttl: ttl}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/api/v1/tokens", h.IssueToken)
}

type IssueTokenRequest struct {
	ParticipantID string `json:"participantId" binding:"max=100"`
}

type IssueTokenResponse struct {
	Token         string               `json:"token"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	ExpiresIn     int64                `json:"expiresIn"`
}

// IssueToken hands out a participant token. An id that is already
// connected to the relay is refused.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	id := domain.ParticipantID(strings.TrimSpace(req.ParticipantID))
	if id != "" && h.presence != nil && h.presence.IsConnected(id) {
		c.Error(errors.NewConflictError("participant is already connected").WithContext("participant_id", id))
		return
	}

	token, id, err := h.tokens.Issue(id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, IssueTokenResponse{
		Token:         token,
		ParticipantID: id,
		ExpiresIn:     int64(h.ttl.Seconds()),
	})
}
