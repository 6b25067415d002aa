package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/locolive/relay/pkg/response"
)

// PresenceReader answers presence queries
type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

type PresenceHandler struct {
	presence PresenceReader
	logger   *zap.Logger
}

func NewPresenceHandler(presence PresenceReader, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{presence: presence, logger: logger}
}

type PresenceStatus struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func (h *PresenceHandler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.presence.OnlineUsers(r.Context())
	if err != nil {
		h.logger.Error("failed to list online users", zap.Error(err))
		response.InternalError(w, "failed to fetch presence")
		return
	}
	response.OK(w, map[string]any{"users": users})
}

func (h *PresenceHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		response.BadRequest(w, "user id is required")
		return
	}

	online, err := h.presence.IsOnline(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to read presence", zap.String("user_id", userID), zap.Error(err))
		response.InternalError(w, "failed to fetch presence")
		return
	}
	response.OK(w, PresenceStatus{UserID: userID, Online: online})
}
