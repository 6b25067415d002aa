package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/locolive/relay/internal/domain"
)

// DefaultListLimit applies when a caller passes a non-positive limit
const DefaultListLimit = 50

const notificationColumns = `id, recipient_id, sender_id, type, message, resource_id, is_read, created_at, dedup_key`

// PostgresStore implements domain.NotificationStore and domain.DeviceTokenStore using PostgreSQL
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts a notification. The unique dedup key turns a redelivered
// event into a lookup of the row written the first time.
func (s *PostgresStore) Append(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
	dedupKey := n.DedupKey
	if dedupKey == "" {
		dedupKey = uuid.NewString()
	}

	query := `
		INSERT INTO notifications (recipient_id, sender_id, type, message, resource_id, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING ` + notificationColumns

	row := s.db.QueryRow(ctx, query,
		n.RecipientID,
		n.SenderID,
		string(n.Type),
		n.Message,
		n.ResourceID,
		dedupKey,
	)

	stored, err := scanNotification(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, &domain.StorageError{Op: "append", Err: err}
	}

	existing, err := scanNotification(s.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE dedup_key = $1`, dedupKey))
	if err != nil {
		return nil, false, &domain.StorageError{Op: "append", Err: err}
	}
	return existing, false, nil
}

// ListForRecipient returns a page of notifications, newest first
func (s *PostgresStore) ListForRecipient(ctx context.Context, recipientID string, limit, offset int) ([]*domain.Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	notifications := make([]*domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "list", Err: err}
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}

	return notifications, nil
}

// MarkRead flips an unread notification owned by recipientID to read.
// Already-read, unknown and foreign ids are left untouched.
func (s *PostgresStore) MarkRead(ctx context.Context, recipientID string, id int64) error {
	query := `
		UPDATE notifications SET is_read = TRUE, read_at = NOW()
		WHERE id = $1 AND recipient_id = $2 AND is_read = FALSE
	`
	if _, err := s.db.Exec(ctx, query, id, recipientID); err != nil {
		return &domain.StorageError{Op: "mark_read", Err: err}
	}
	return nil
}

// CountUnread returns the number of unread notifications for recipientID
func (s *PostgresStore) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND is_read = FALSE`,
		recipientID,
	).Scan(&count)
	if err != nil {
		return 0, &domain.StorageError{Op: "count_unread", Err: err}
	}
	return count, nil
}

// PruneRead deletes read notifications created before cutoff
func (s *PostgresStore) PruneRead(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM notifications WHERE is_read = TRUE AND created_at < $1`, cutoff)
	if err != nil {
		return 0, &domain.StorageError{Op: "prune", Err: err}
	}
	return tag.RowsAffected(), nil
}

// SaveDeviceToken registers a push token for userID
func (s *PostgresStore) SaveDeviceToken(ctx context.Context, userID, token string) error {
	query := `
		INSERT INTO device_tokens (token, user_id)
		VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, token, userID); err != nil {
		return &domain.StorageError{Op: "save_device_token", Err: err}
	}
	return nil
}

// DeviceTokens returns every push token registered for userID
func (s *PostgresStore) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT token FROM device_tokens WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, &domain.StorageError{Op: "device_tokens", Err: err}
	}

	tokens, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &domain.StorageError{Op: "device_tokens", Err: err}
	}
	return tokens, nil
}

// DeleteDeviceToken forgets a token, typically after the push provider rejected it
func (s *PostgresStore) DeleteDeviceToken(ctx context.Context, token string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM device_tokens WHERE token = $1`, token); err != nil {
		return &domain.StorageError{Op: "delete_device_token", Err: err}
	}
	return nil
}

// Ping checks database connectivity for readiness checks
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var (
		n     domain.Notification
		nType string
	)
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.SenderID,
		&nType,
		&n.Message,
		&n.ResourceID,
		&n.IsRead,
		&n.CreatedAt,
		&n.DedupKey,
	)
	if err != nil {
		return nil, err
	}
	n.Type = domain.NotificationType(nType)
	return &n, nil
}
