package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStreamHandler_CachesList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := memory.NewStreamDirectory(0)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewStreamHandler(dir, time.Hour).SetupRoutes(router)

	list := func() string {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil))
		require.Equal(t, http.StatusOK, w.Code)
		return w.Body.String()
	}

	assert.Contains(t, list(), `"count":0`)
	require.NoError(t, dir.Create(context.Background(),
		domain.NewStreamSession("s1", "alice", domain.StreamMetadata{Title: "t"})))
	assert.Contains(t, list(), `"count":0`)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/streams/s1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
