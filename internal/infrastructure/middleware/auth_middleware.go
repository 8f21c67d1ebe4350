package middleware

import (
	"strings"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/validation"

	"github.com/gin-gonic/gin"
)

const participantKey = "participant_id"

// ParticipantAuth resolves the caller's ParticipantID. A token from the
// "token" query or a Bearer header must verify; without one the
// participant_id query is accepted unless required is set.
func ParticipantAuth(tokens *services.TokenService, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token != "" && tokens != nil {
			claims, err := tokens.Validate(token)
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.Set(participantKey, claims.ParticipantID)
			c.Next()
			return
		}

		if required {
			abortWithError(c, apperrors.NewUnauthorizedError("participant token required"))
			return
		}

		id := c.Query("participant_id")
		if err := validation.ValidateParticipantID(id); err != nil {
			abortWithError(c, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error()))
			return
		}
		c.Set(participantKey, domain.ParticipantID(id))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// ParticipantFrom returns the id set by ParticipantAuth.
func ParticipantFrom(c *gin.Context) (domain.ParticipantID, bool) {
	v, ok := c.Get(participantKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.ParticipantID)
	return id, ok
}

func abortWithError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal server error")
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus(), gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
