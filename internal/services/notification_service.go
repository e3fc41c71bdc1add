package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/jubok/foundation-backend/internal/middleware"
	"github.com/jubok/foundation-backend/internal/models"
)

const notificationChannel = "notifications"

// Publisher is the broadcast channel the ledger core publishes events to.
// Delivery is best-effort; a failed publish is logged and never rolled back.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// RedisPublisher publishes over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, message []byte) error {
	if p.client == nil {
		return nil
	}
	return p.client.Publish(ctx, channel, message).Err()
}

type NotificationService struct {
	db        *sql.DB
	publisher Publisher
}

func NewNotificationService(db *sql.DB, publisher Publisher) *NotificationService {
	return &NotificationService{db: db, publisher: publisher}
}

// Notify persists a notification and broadcasts it. Recipient nil means
// everyone. Errors are logged, not returned; callers never block or roll
// back on notification failure.
func (s *NotificationService) Notify(recipient *int, title, message string) {
	notification := models.Notification{
		Recipient: recipient,
		Title:     title,
		Message:   message,
	}

	err := s.db.QueryRow(`
		INSERT INTO notifications (recipient, title, message, is_read, created_at)
		VALUES ($1, $2, $3, false, NOW())
		RETURNING id, created_at`,
		recipient, title, message).
		Scan(&notification.ID, &notification.CreatedAt)
	if err != nil {
		log.Printf("[NOTIFY] Failed to store notification: %v", err)
		return
	}

	data, err := json.Marshal(notification)
	if err != nil {
		log.Printf("[NOTIFY] Failed to marshal notification: %v", err)
		return
	}

	if err := s.publisher.Publish(context.Background(), notificationChannel, data); err != nil {
		log.Printf("[NOTIFY] Failed to publish notification: %v", err)
	}
}

// ListNotifications returns the caller's notifications including broadcasts
// @Summary List notifications
// @Description Notifications for the authenticated user plus global broadcasts, newest first
// @Tags notifications
// @Produce json
// @Success 200 {array} models.Notification
// @Failure 500 {object} ErrorResponse
// @Router /notifications [get]
func (s *NotificationService) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, recipient, title, message, is_read, created_at
		FROM notifications
		WHERE recipient = $1 OR recipient IS NULL
		ORDER BY created_at DESC
		LIMIT 50`, userID)
	if err != nil {
		log.Printf("[NOTIFY] Failed to fetch notifications for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch notifications", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Title, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch notifications", http.StatusInternalServerError, nil)
			return
		}
		notifications = append(notifications, n)
	}

	WriteJSON(w, http.StatusOK, notifications)
}

// MarkRead marks one notification as read
// @Summary Mark notification read
// @Tags notifications
// @Produce json
// @Param id path int true "Notification ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /notifications/{id}/read [patch]
func (s *NotificationService) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		SendErrorResponse(w, "Invalid notification id", http.StatusBadRequest, nil)
		return
	}

	result, err := s.db.Exec(`UPDATE notifications SET is_read = true WHERE id = $1`, id)
	if err != nil {
		log.Printf("[NOTIFY] Failed to mark notification %d read: %v", id, err)
		SendErrorResponse(w, "Failed to update notification", http.StatusInternalServerError, nil)
		return
	}

	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, "Notification not found", http.StatusNotFound, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

// MarkAllRead marks all of the caller's notifications as read
// @Summary Mark all notifications read
// @Tags notifications
// @Produce json
// @Success 200 {object} map[string]string
// @Router /notifications/read-all [patch]
func (s *NotificationService) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(int)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if _, err := s.db.Exec(`UPDATE notifications SET is_read = true WHERE recipient = $1 AND is_read = false`, userID); err != nil {
		log.Printf("[NOTIFY] Failed to mark notifications read for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to update notifications", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"message": "All notifications marked as read"})
}
