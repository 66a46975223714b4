package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/farmconnect/internal/config"
	"github.com/safar/farmconnect/internal/database"
	"github.com/safar/farmconnect/internal/models"
	"github.com/safar/farmconnect/internal/pricing"
	"github.com/shopspring/decimal"
)

// AddToCart upserts a cart row for the consumer. The requested total for the
// product (existing cart quantity plus qty) must fit within current stock.
// Returns refreshed cart totals.
func AddToCart(ctx context.Context, db *sql.DB, consumerID, productID int64, qty int, market config.MarketConfig) (*models.CartTotals, error) {
	if qty <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var stock int
		var approved bool
		err := tx.QueryRowContext(ctx,
			`SELECT stock_quantity, is_approved FROM products WHERE id = $1`,
			productID).Scan(&stock, &approved)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrProductNotFound
			}
			return fmt.Errorf("get product: %w", err)
		}
		if !approved {
			return database.ErrProductNotFound
		}

		var existing int
		err = tx.QueryRowContext(ctx,
			`SELECT quantity FROM cart_items WHERE user_id = $1 AND product_id = $2`,
			consumerID, productID).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("get cart item: %w", err)
		}

		if existing+qty > stock {
			return database.ErrInsufficientStock
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cart_items (user_id, product_id, quantity, created_at, updated_at)
			 VALUES ($1, $2, $3, NOW(), NOW())
			 ON CONFLICT (user_id, product_id)
			 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = NOW()`,
			consumerID, productID, qty)
		if err != nil {
			return fmt.Errorf("upsert cart item: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return CartTotals(ctx, db, consumerID, market)
}

// UpdateCartQuantity sets the quantity of one cart row owned by the consumer.
// The new quantity must not exceed the product's current stock; the check is
// advisory only, checkout re-validates under lock.
func UpdateCartQuantity(ctx context.Context, db *sql.DB, consumerID, cartItemID int64, qty int, market config.MarketConfig) (*models.CartTotals, error) {
	if qty <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var stock int
		err := tx.QueryRowContext(ctx,
			`SELECT p.stock_quantity
			 FROM cart_items ci
			 JOIN products p ON ci.product_id = p.id
			 WHERE ci.id = $1 AND ci.user_id = $2`,
			cartItemID, consumerID).Scan(&stock)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrCartItemNotFound
			}
			return fmt.Errorf("get cart item: %w", err)
		}

		if qty > stock {
			return database.ErrInsufficientStock
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE cart_items SET quantity = $1, updated_at = NOW() WHERE id = $2 AND user_id = $3`,
			qty, cartItemID, consumerID)
		if err != nil {
			return fmt.Errorf("update cart item: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return CartTotals(ctx, db, consumerID, market)
}

// RemoveFromCart deletes one cart row. Removing an absent row is not an
// error; the refreshed totals are returned either way.
func RemoveFromCart(ctx context.Context, db *sql.DB, consumerID, cartItemID int64, market config.MarketConfig) (*models.CartTotals, error) {
	_, err := db.ExecContext(ctx,
		`DELETE FROM cart_items WHERE id = $1 AND user_id = $2`,
		cartItemID, consumerID)
	if err != nil {
		return nil, fmt.Errorf("remove cart item: %w", err)
	}

	return CartTotals(ctx, db, consumerID, market)
}

const cartLineQuery = `
	SELECT ci.id, ci.user_id, ci.product_id, ci.quantity, ci.created_at, ci.updated_at,
	       p.name, p.price, p.unit, p.stock_quantity, p.farmer_id, u.farm_name
	FROM cart_items ci
	JOIN products p ON ci.product_id = p.id
	JOIN users u ON p.farmer_id = u.id
	WHERE ci.user_id = $1 AND p.is_approved
	ORDER BY ci.created_at DESC`

// ViewCart returns the consumer's cart joined with live product data, plus
// totals including the delivery charge.
func ViewCart(ctx context.Context, db *sql.DB, consumerID int64, market config.MarketConfig) ([]models.CartLine, *models.CartTotals, error) {
	rows, err := db.QueryContext(ctx, cartLineQuery, consumerID)
	if err != nil {
		return nil, nil, fmt.Errorf("list cart: %w", err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		var line models.CartLine
		err := rows.Scan(
			&line.ID,
			&line.UserID,
			&line.ProductID,
			&line.Quantity,
			&line.CreatedAt,
			&line.UpdatedAt,
			&line.ProductName,
			&line.UnitPrice,
			&line.Unit,
			&line.Stock,
			&line.FarmerID,
			&line.FarmName,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("scan cart line: %w", err)
		}
		line.Subtotal = line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows error: %w", err)
	}

	totals := totalsFromLines(lines, market)
	return lines, totals, nil
}

// CartTotals recomputes item count, subtotal, delivery charge, and total for
// the consumer's cart.
func CartTotals(ctx context.Context, db *sql.DB, consumerID int64, market config.MarketConfig) (*models.CartTotals, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT ci.quantity, p.price
		 FROM cart_items ci
		 JOIN products p ON ci.product_id = p.id
		 WHERE ci.user_id = $1 AND p.is_approved`,
		consumerID)
	if err != nil {
		return nil, fmt.Errorf("cart totals: %w", err)
	}
	defer rows.Close()

	totals := &models.CartTotals{
		Subtotal:       decimal.Zero,
		DeliveryCharge: decimal.Zero,
		Total:          decimal.Zero,
	}

	for rows.Next() {
		var qty int
		var price decimal.Decimal
		if err := rows.Scan(&qty, &price); err != nil {
			return nil, fmt.Errorf("scan cart totals: %w", err)
		}
		totals.ItemCount += qty
		totals.Subtotal = totals.Subtotal.Add(price.Mul(decimal.NewFromInt(int64(qty))))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if totals.ItemCount > 0 {
		totals.DeliveryCharge = pricing.DeliveryCharge(market, totals.Subtotal)
	}
	totals.Total = totals.Subtotal.Add(totals.DeliveryCharge)

	return totals, nil
}

func totalsFromLines(lines []models.CartLine, market config.MarketConfig) *models.CartTotals {
	totals := &models.CartTotals{
		Subtotal:       decimal.Zero,
		DeliveryCharge: decimal.Zero,
		Total:          decimal.Zero,
	}

	for _, line := range lines {
		totals.ItemCount += line.Quantity
		totals.Subtotal = totals.Subtotal.Add(line.Subtotal)
	}

	if totals.ItemCount > 0 {
		totals.DeliveryCharge = pricing.DeliveryCharge(market, totals.Subtotal)
	}
	totals.Total = totals.Subtotal.Add(totals.DeliveryCharge)

	return totals
}
