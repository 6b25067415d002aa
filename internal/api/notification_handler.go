package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/locolive/relay/internal/auth"
	"github.com/locolive/relay/internal/domain"
	"github.com/locolive/relay/internal/repository"
	"github.com/locolive/relay/pkg/response"
)

const maxListLimit = 100

// NotificationStore is what the notification endpoints read and update
type NotificationStore interface {
	ListForRecipient(ctx context.Context, recipientID string, limit, offset int) ([]*domain.Notification, error)
	MarkRead(ctx context.Context, recipientID string, id int64) error
	CountUnread(ctx context.Context, recipientID string) (int, error)
	SaveDeviceToken(ctx context.Context, userID, token string) error
}

type NotificationHandler struct {
	store  NotificationStore
	logger *zap.Logger
}

func NewNotificationHandler(store NotificationStore, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		store:  store,
		logger: logger,
	}
}

// NotificationPage is one page of the caller's notifications
type NotificationPage struct {
	Notifications []*domain.Notification `json:"notifications"`
	UnreadCount   int                    `json:"unreadCount"`
	Page          int                    `json:"page"`
	Limit         int                    `json:"limit"`
}

func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = repository.DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := (page - 1) * limit

	notifs, err := h.store.ListForRecipient(r.Context(), id.UserID, limit, offset)
	if err != nil {
		h.logger.Error("failed to get notifications", zap.String("user_id", id.UserID), zap.Error(err))
		response.InternalError(w, "failed to fetch notifications")
		return
	}

	unread, err := h.store.CountUnread(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("failed to count unread notifications", zap.String("user_id", id.UserID), zap.Error(err))
		response.InternalError(w, "failed to fetch notifications")
		return
	}

	response.OK(w, NotificationPage{
		Notifications: notifs,
		UnreadCount:   unread,
		Page:          page,
		Limit:         limit,
	})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	notificationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || notificationID <= 0 {
		response.BadRequest(w, "invalid notification id")
		return
	}

	if err := h.store.MarkRead(r.Context(), id.UserID, notificationID); err != nil {
		h.logger.Error("failed to mark notification read", zap.Int64("notification_id", notificationID), zap.Error(err))
		response.InternalError(w, "failed to update notification")
		return
	}

	response.OK(w, map[string]string{"status": "success"})
}

// RegisterDevice stores the caller's FCM token for offline pushes
func (h *NotificationHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req struct {
		FCMToken string `json:"fcm_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request")
		return
	}
	req.FCMToken = strings.TrimSpace(req.FCMToken)
	if req.FCMToken == "" {
		response.BadRequest(w, "fcm_token is required")
		return
	}

	if err := h.store.SaveDeviceToken(r.Context(), id.UserID, req.FCMToken); err != nil {
		h.logger.Error("failed to update fcm token", zap.String("user_id", id.UserID), zap.Error(err))
		response.InternalError(w, "failed to update token")
		return
	}

	response.OK(w, map[string]string{"status": "success"})
}
