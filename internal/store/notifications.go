package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/farmconnect/internal/config"
	"github.com/safar/farmconnect/internal/models"
	"github.com/safar/farmconnect/internal/notify"
)

// InsertNotification persists one notification event. Used as the sink of
// the notification bus.
func InsertNotification(ctx context.Context, db *sql.DB, event notify.Event) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, title, message, severity, link, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, NOW())`,
		event.UserID, event.Title, event.Message, event.Severity, event.Link)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's most recent notifications.
func ListNotifications(ctx context.Context, db *sql.DB, userID int64, unreadOnly bool, limit int) ([]models.Notification, error) {
	query := `
		SELECT id, user_id, title, message, severity, link, is_read, created_at
		FROM notifications
		WHERE user_id = $1`
	if unreadOnly {
		query += ` AND NOT is_read`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.Title,
			&n.Message,
			&n.Severity,
			&n.Link,
			&n.IsRead,
			&n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return notifications, nil
}

// MarkNotificationsRead marks all of a user's notifications read.
func MarkNotificationsRead(ctx context.Context, db *sql.DB, userID int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`,
		userID)
	if err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

// SweepLowStock notifies each farmer once per product at or below the
// configured threshold. Triggered synchronously; there is no scheduler.
func SweepLowStock(ctx context.Context, db *sql.DB, market config.MarketConfig, notifier *notify.Notifier) (int, error) {
	products, err := ListLowStock(ctx, db, market.LowStockThreshold)
	if err != nil {
		return 0, err
	}

	if notifier != nil {
		for _, p := range products {
			notifier.Notify(p.FarmerID,
				"Low Stock Alert",
				fmt.Sprintf("%s is down to %d %s", p.Name, p.StockQuantity, p.Unit),
				notify.SeverityWarning,
				fmt.Sprintf("/farmer/products/%d", p.ID))
		}
	}

	return len(products), nil
}
