package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/infrastructure/middleware"
	"navideo/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRooms struct {
	mock.Mock
}

func (m *mockRooms) Members(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	args := m.Called(ctx, room)
	members, _ := args.Get(0).([]domain.Participant)
	return members, args.Error(1)
}

func (m *mockRooms) Rooms(ctx context.Context) ([]domain.RoomSummary, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).([]domain.RoomSummary)
	return rooms, args.Error(1)
}

func newRouter(rooms RoomReader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewRoomHandler(rooms).SetupRoutes(router)
	return router
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRoomHandler_ListRooms(t *testing.T) {
	rooms := &mockRooms{}
	rooms.On("Rooms", mock.Anything).Return([]domain.RoomSummary{{ID: "standup", Members: 3}}, nil).Once()
	rooms.On("Rooms", mock.Anything).Return(nil, errors.New("redis: connection refused")).Once()
	router := newRouter(rooms)

	w := get(router, "/api/v1/rooms")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":[{"id":"standup","members":3}],"count":1}`, w.Body.String())

	w = get(router, "/api/v1/rooms")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	rooms.AssertExpectations(t)
}

func TestRoomHandler_ListMembers(t *testing.T) {
	joined := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	rooms := &mockRooms{}
	rooms.On("Members", mock.Anything, domain.RoomID("standup")).
		Return([]domain.Participant{{ConnID: "c1", Name: "Ann", JoinedAt: joined}}, nil)
	rooms.On("Members", mock.Anything, domain.RoomID("empty")).Return(nil, nil)
	router := newRouter(rooms)

	w := get(router, "/api/v1/rooms/standup/members")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Room    string               `json:"room"`
		Members []domain.Participant `json:"members"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "standup", body.Room)
	require.Len(t, body.Members, 1)
	assert.Equal(t, "Ann", body.Members[0].Name)

	w = get(router, "/api/v1/rooms/empty/members")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checker := monitoring.NewHealthChecker(zap.NewNop().Sugar())
	healthy := true
	checker.AddCheck("registry", func(ctx context.Context) (bool, error) { return healthy, nil }, 0, time.Second)

	router := gin.New()
	NewHealthHandler(checker, func() int { return 4 }, "i-1").SetupRoutes(router)

	w := get(router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connections":4`)

	assert.Equal(t, http.StatusOK, get(router, "/ready").Code)
	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get(router, "/ready").Code)
}
