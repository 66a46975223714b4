package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/safar/farmconnect/internal/database"
	"github.com/safar/farmconnect/internal/models"
	"github.com/safar/farmconnect/internal/notify"
)

// appendTracking writes one append-only tracking row. It always runs in the
// same transaction as the status write it records, so the cached status on
// the order row and the log cannot diverge.
func appendTracking(ctx context.Context, tx *sql.Tx, orderID int64, status, message string, updatedBy int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO order_tracking (order_id, status, message, updated_by, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		orderID, status, message, updatedBy)
	if err != nil {
		return fmt.Errorf("append tracking: %w", err)
	}
	return nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func farmerOwnsLines(ctx context.Context, tx *sql.Tx, orderID, farmerID int64) (bool, error) {
	var owns bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM order_items WHERE order_id = $1 AND farmer_id = $2)`,
		orderID, farmerID).Scan(&owns)
	if err != nil {
		return false, fmt.Errorf("check order ownership: %w", err)
	}
	return owns, nil
}

// UpdateOrderStatus moves an order one step along the fulfillment chain. The
// acting farmer must own at least one line on the order; only the single
// forward transition from the current status is accepted. The status write
// and the tracking append commit together.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, actor models.Actor, orderID int64, newStatus, message string, notifier *notify.Notifier) (*models.Order, error) {
	if !models.KnownOrderStatus(newStatus) {
		return nil, fmt.Errorf("%w: unknown status %q", database.ErrInvalidTransition, newStatus)
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		current, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		owns, err := farmerOwnsLines(ctx, tx, orderID, actor.UserID)
		if err != nil {
			return err
		}
		if !owns {
			return database.ErrForbidden
		}

		if !models.CanTransition(current.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, current.Status, newStatus)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, updated_at = NOW(), version = version + 1
			 WHERE id = $2`,
			newStatus, orderID)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		if err := appendTracking(ctx, tx, orderID, newStatus, message, actor.UserID); err != nil {
			return err
		}

		order, err = getOrderTx(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if notifier != nil {
		notifier.Notify(order.ConsumerID,
			"Order Status Updated",
			fmt.Sprintf("Your order #%s status has been updated to: %s", order.OrderNumber, titleCase(newStatus)),
			notify.SeverityInfo,
			fmt.Sprintf("/consumer/orders/%d", order.ID))
	}

	return order, nil
}

// ConfirmPayment marks an order paid. Confirming twice is reported as
// ErrAlreadyPaid rather than silently succeeding. The consumer and every
// active admin are notified after commit.
func ConfirmPayment(ctx context.Context, db *sql.DB, actor models.Actor, orderID int64, paymentMethod, notes string, notifier *notify.Notifier) (*models.Order, error) {
	if paymentMethod == "" {
		paymentMethod = "Cash/Direct"
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		current, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		owns, err := farmerOwnsLines(ctx, tx, orderID, actor.UserID)
		if err != nil {
			return err
		}
		if !owns {
			return database.ErrForbidden
		}

		if current.PaymentStatus == models.PaymentStatusPaid {
			return database.ErrAlreadyPaid
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET payment_status = $1, payment_method = $2, updated_at = NOW(), version = version + 1
			 WHERE id = $3`,
			models.PaymentStatusPaid, paymentMethod, orderID)
		if err != nil {
			return fmt.Errorf("confirm payment: %w", err)
		}

		trackingMsg := fmt.Sprintf("Payment confirmed by farmer. Method: %s.", paymentMethod)
		if notes != "" {
			trackingMsg += " Notes: " + notes
		}
		if err := appendTracking(ctx, tx, orderID, models.TrackingStatusPaymentConfirmed, trackingMsg, actor.UserID); err != nil {
			return err
		}

		order, err = getOrderTx(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if notifier != nil {
		notifier.Notify(order.ConsumerID,
			"Payment Confirmed",
			fmt.Sprintf("Payment for order #%s has been confirmed by the farmer.", order.OrderNumber),
			notify.SeveritySuccess,
			fmt.Sprintf("/consumer/orders/%d", order.ID))

		adminIDs, err := ListActiveUserIDsByRole(ctx, db, models.RoleAdmin)
		if err == nil {
			for _, adminID := range adminIDs {
				notifier.Notify(adminID,
					"Payment Confirmed",
					fmt.Sprintf("Payment for order #%s confirmed by farmer.", order.OrderNumber),
					notify.SeverityInfo,
					fmt.Sprintf("/admin/orders/%d", order.ID))
			}
		}
	}

	return order, nil
}
