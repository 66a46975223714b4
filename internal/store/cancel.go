package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/farmconnect/internal/database"
	"github.com/safar/farmconnect/internal/models"
	"github.com/safar/farmconnect/internal/notify"
)

// CancelOrder cancels a consumer's own order while it is still pending or
// confirmed. In one transaction the status flips to cancelled, every line's
// quantity goes back onto its product, and the tracking event is appended.
// Restoration is unconditional: interim restocks can make it overshoot, an
// accepted simplification. Farmers on the order are notified after commit.
func CancelOrder(ctx context.Context, db *sql.DB, actor models.Actor, orderID int64, notifier *notify.Notifier) (*models.Order, error) {
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

		if current.ConsumerID != actor.UserID {
			return database.ErrForbidden
		}
		if !models.Cancellable(current.Status) {
			return fmt.Errorf("%w: order is %s", database.ErrInvalidOrderState, current.Status)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, updated_at = NOW(), version = version + 1
			 WHERE id = $2`,
			models.OrderStatusCancelled, orderID)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT product_id, quantity FROM order_items WHERE order_id = $1 ORDER BY product_id`,
			orderID)
		if err != nil {
			return fmt.Errorf("load order items: %w", err)
		}

		type restockLine struct {
			productID int64
			quantity  int
		}
		var restock []restockLine
		for rows.Next() {
			var line restockLine
			if err := rows.Scan(&line.productID, &line.quantity); err != nil {
				rows.Close()
				return fmt.Errorf("scan order item: %w", err)
			}
			restock = append(restock, line)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("rows error: %w", err)
		}
		rows.Close()

		for _, line := range restock {
			if err := RestoreStock(ctx, tx, line.productID, line.quantity); err != nil {
				return err
			}
		}

		if err := appendTracking(ctx, tx, orderID, models.OrderStatusCancelled, "Order cancelled by customer", actor.UserID); err != nil {
			return err
		}

		order, err = getOrderTx(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if notifier != nil {
		seen := make(map[int64]bool)
		for _, item := range order.Items {
			if seen[item.FarmerID] {
				continue
			}
			seen[item.FarmerID] = true
			notifier.Notify(item.FarmerID,
				"Order Cancelled",
				fmt.Sprintf("Order #%s has been cancelled by the customer", order.OrderNumber),
				notify.SeverityOrder,
				fmt.Sprintf("/farmer/orders/%d", order.ID))
		}
	}

	return order, nil
}

// ReorderResult reports how a reorder went. Partial success is the expected
// outcome, not an error.
type ReorderResult struct {
	AddedCount int     `json:"added_count"`
	OutOfStock []int64 `json:"out_of_stock,omitempty"`
	Message    string  `json:"message"`
}

// Reorder adds the lines of a past order back into the consumer's cart. A
// line whose product is gone from the catalog or out of stock is skipped;
// available lines are added at min(original quantity, current stock),
// merging with any existing cart row under the same cap.
func Reorder(ctx context.Context, db *sql.DB, actor models.Actor, orderID int64) (*ReorderResult, error) {
	result := &ReorderResult{}

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		result.AddedCount = 0
		result.OutOfStock = nil

		var consumerID int64
		err := tx.QueryRowContext(ctx,
			`SELECT consumer_id FROM orders WHERE id = $1`, orderID).Scan(&consumerID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("get order: %w", err)
		}
		if consumerID != actor.UserID {
			return database.ErrForbidden
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT oi.product_id, oi.quantity, p.stock_quantity
			 FROM order_items oi
			 JOIN products p ON oi.product_id = p.id
			 WHERE oi.order_id = $1 AND p.is_approved
			 ORDER BY oi.product_id`,
			orderID)
		if err != nil {
			return fmt.Errorf("load order items: %w", err)
		}

		type pastLine struct {
			productID int64
			quantity  int
			stock     int
		}
		var lines []pastLine
		for rows.Next() {
			var line pastLine
			if err := rows.Scan(&line.productID, &line.quantity, &line.stock); err != nil {
				rows.Close()
				return fmt.Errorf("scan order item: %w", err)
			}
			lines = append(lines, line)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("rows error: %w", err)
		}
		rows.Close()

		for _, line := range lines {
			if line.stock <= 0 {
				result.OutOfStock = append(result.OutOfStock, line.productID)
				continue
			}

			quantityToAdd := line.quantity
			if quantityToAdd > line.stock {
				quantityToAdd = line.stock
			}

			// Merge with any existing cart row, capped at current stock.
			_, err := tx.ExecContext(ctx,
				`INSERT INTO cart_items (user_id, product_id, quantity, created_at, updated_at)
				 VALUES ($1, $2, $3, NOW(), NOW())
				 ON CONFLICT (user_id, product_id)
				 DO UPDATE SET quantity = LEAST(cart_items.quantity + EXCLUDED.quantity, $4), updated_at = NOW()`,
				actor.UserID, line.productID, quantityToAdd, line.stock)
			if err != nil {
				return fmt.Errorf("add cart item: %w", err)
			}

			result.AddedCount++
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Message = fmt.Sprintf("Added %d items to cart", result.AddedCount)
	if len(result.OutOfStock) > 0 {
		result.Message += fmt.Sprintf(". %d items were out of stock.", len(result.OutOfStock))
	}

	return result, nil
}
