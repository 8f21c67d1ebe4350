package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/cache"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/validation"

	"github.com/gin-gonic/gin"
)

const activeStreamsKey = "active"

// StreamHandler exposes the relay's stream directory read-only. With a
// positive listTTL the stream list is served from a short-lived cache.
type StreamHandler struct {
	directory ports.StreamDirectory
	list      *cache.Cache[[]domain.StreamSession]
}

func NewStreamHandler(directory ports.StreamDirectory, listTTL time.Duration) *StreamHandler {
	h := &StreamHandler{directory: directory}
	if listTTL > 0 {
		h.list = cache.New[[]domain.StreamSession](listTTL)
	}
	return h
}

func (h *StreamHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:id", h.GetStream)
	}
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams, err := h.activeStreams(c.Request.Context())
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to list streams"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateStreamID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	stream, err := h.directory.Get(c.Request.Context(), domain.StreamID(id))
	if errors.Is(err, domain.ErrStreamNotFound) {
		c.Error(apperrors.NewNotFoundError("stream").WithContext("stream_id", id))
		return
	}
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to get stream"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) activeStreams(ctx context.Context) ([]domain.StreamSession, error) {
	if h.list == nil {
		return h.directory.ListActive(ctx)
	}
	return h.list.GetOrLoad(ctx, activeStreamsKey, h.directory.ListActive)
}
