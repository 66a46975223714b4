package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/farmconnect/internal/database"
	"github.com/safar/farmconnect/internal/models"
)

const orderColumns = `id, order_number, consumer_id, total_amount, status, payment_status, payment_method,
	delivery_address, delivery_phone, delivery_type, delivery_date, notes, created_at, updated_at, version`

func scanOrder(row interface{ Scan(...interface{}) error }) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.ConsumerID,
		&order.TotalAmount,
		&order.Status,
		&order.PaymentStatus,
		&order.PaymentMethod,
		&order.DeliveryAddress,
		&order.DeliveryPhone,
		&order.DeliveryType,
		&order.DeliveryDate,
		&order.Notes,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder loads an order with its lines.
func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	order, err := scanOrder(db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := listOrderItems(ctx, db, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// GetConsumerOrder loads an order only if it belongs to the consumer.
func GetConsumerOrder(ctx context.Context, db *sql.DB, consumerID, orderID int64) (*models.Order, error) {
	order, err := GetOrder(ctx, db, orderID)
	if err != nil {
		return nil, err
	}
	if order.ConsumerID != consumerID {
		return nil, database.ErrOrderNotFound
	}
	return order, nil
}

func getOrderTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, order_id, product_id, farmer_id, quantity, unit_price, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	order.Items, err = scanOrderItems(rows)
	if err != nil {
		return nil, err
	}

	return order, nil
}

func listOrderItems(ctx context.Context, db *sql.DB, orderID int64) ([]models.OrderItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, product_id, farmer_id, quantity, unit_price, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	return scanOrderItems(rows)
}

func scanOrderItems(rows *sql.Rows) ([]models.OrderItem, error) {
	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.FarmerID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// ListConsumerOrders pages through a consumer's order history, newest first.
func ListConsumerOrders(ctx context.Context, db *sql.DB, consumerID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE consumer_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, consumerID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// FarmerOrder pairs an order with only the lines belonging to one farmer.
type FarmerOrder struct {
	Order models.Order       `json:"order"`
	Items []models.OrderItem `json:"items"`
}

// ListFarmerOrders returns orders containing at least one of the farmer's
// lines, each trimmed to the farmer's own line subset.
func ListFarmerOrders(ctx context.Context, db *sql.DB, farmerID int64) ([]FarmerOrder, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT o.id, o.order_number, o.consumer_id, o.total_amount, o.status, o.payment_status, o.payment_method,
		        o.delivery_address, o.delivery_phone, o.delivery_type, o.delivery_date, o.notes,
		        o.created_at, o.updated_at, o.version,
		        oi.id, oi.order_id, oi.product_id, oi.farmer_id, oi.quantity, oi.unit_price, oi.subtotal, oi.created_at
		 FROM orders o
		 JOIN order_items oi ON o.id = oi.order_id
		 WHERE oi.farmer_id = $1
		 ORDER BY o.created_at DESC, o.id DESC, oi.id`,
		farmerID)
	if err != nil {
		return nil, fmt.Errorf("list farmer orders: %w", err)
	}
	defer rows.Close()

	var result []FarmerOrder
	index := make(map[int64]int)

	for rows.Next() {
		var order models.Order
		var item models.OrderItem
		err := rows.Scan(
			&order.ID,
			&order.OrderNumber,
			&order.ConsumerID,
			&order.TotalAmount,
			&order.Status,
			&order.PaymentStatus,
			&order.PaymentMethod,
			&order.DeliveryAddress,
			&order.DeliveryPhone,
			&order.DeliveryType,
			&order.DeliveryDate,
			&order.Notes,
			&order.CreatedAt,
			&order.UpdatedAt,
			&order.Version,
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.FarmerID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan farmer order: %w", err)
		}

		i, ok := index[order.ID]
		if !ok {
			i = len(result)
			index[order.ID] = i
			result = append(result, FarmerOrder{Order: order})
		}
		result[i].Items = append(result[i].Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return result, nil
}

// GetTracking returns an order's full tracking history, oldest first.
func GetTracking(ctx context.Context, db *sql.DB, orderID int64) ([]models.TrackingEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, status, message, COALESCE(updated_by, 0), created_at
		 FROM order_tracking
		 WHERE order_id = $1
		 ORDER BY created_at, id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get tracking: %w", err)
	}
	defer rows.Close()

	var events []models.TrackingEvent
	for rows.Next() {
		var event models.TrackingEvent
		err := rows.Scan(
			&event.ID,
			&event.OrderID,
			&event.Status,
			&event.Message,
			&event.UpdatedBy,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan tracking event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}
