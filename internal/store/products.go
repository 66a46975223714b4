package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/farmconnect/internal/database"
	"github.com/safar/farmconnect/internal/models"
	"github.com/shopspring/decimal"
)

const productColumns = `id, farmer_id, name, description, category, price, unit, stock_quantity, is_approved, created_at, updated_at, version`

func scanProduct(row interface{ Scan(...interface{}) error }) (*models.Product, error) {
	product := &models.Product{}
	err := row.Scan(
		&product.ID,
		&product.FarmerID,
		&product.Name,
		&product.Description,
		&product.Category,
		&product.Price,
		&product.Unit,
		&product.StockQuantity,
		&product.IsApproved,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		return nil, err
	}
	return product, nil
}

type CreateProductRequest struct {
	Name        string
	Description string
	Category    string
	Price       decimal.Decimal
	Unit        string
	Stock       int
}

// CreateProduct adds a product to the acting farmer's catalog. New products
// start unapproved and invisible to consumers.
func CreateProduct(ctx context.Context, db *sql.DB, actor models.Actor, req CreateProductRequest) (*models.Product, error) {
	if actor.Role != models.RoleFarmer {
		return nil, database.ErrForbidden
	}
	if req.Price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: price must be positive", database.ErrInvalidQuantity)
	}
	if req.Stock < 0 {
		return nil, fmt.Errorf("%w: stock cannot be negative", database.ErrInvalidQuantity)
	}

	query := `
		INSERT INTO products (farmer_id, name, description, category, price, unit, stock_quantity, is_approved, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	product, err := scanProduct(db.QueryRowContext(ctx, query,
		actor.UserID, req.Name, req.Description, req.Category, req.Price, req.Unit, req.Stock))
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, db *sql.DB, id int64) (*models.Product, error) {
	product, err := scanProduct(db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// ApproveProduct makes a product visible to consumers. Admin only.
func ApproveProduct(ctx context.Context, db *sql.DB, actor models.Actor, id int64) error {
	if actor.Role != models.RoleAdmin {
		return database.ErrForbidden
	}

	result, err := db.ExecContext(ctx,
		`UPDATE products
		 SET is_approved = TRUE, updated_at = NOW(), version = version + 1
		 WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("approve product: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}

type UpdateProductRequest struct {
	Name        string
	Description string
	Category    string
	Price       decimal.Decimal
	Unit        string
}

// UpdateProduct edits catalog fields of a product owned by the acting farmer.
// Stock is changed through UpdateStockOptimistic, not here.
func UpdateProduct(ctx context.Context, db *sql.DB, actor models.Actor, id int64, req UpdateProductRequest) (*models.Product, error) {
	if req.Price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: price must be positive", database.ErrInvalidQuantity)
	}

	var product *models.Product

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var farmerID int64
		err := tx.QueryRowContext(ctx,
			`SELECT farmer_id FROM products WHERE id = $1 FOR UPDATE`, id).Scan(&farmerID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrProductNotFound
			}
			return fmt.Errorf("lock product: %w", err)
		}
		if farmerID != actor.UserID {
			return database.ErrForbidden
		}

		product, err = scanProduct(tx.QueryRowContext(ctx,
			`UPDATE products
			 SET name = $1, description = $2, category = $3, price = $4, unit = $5,
			     updated_at = NOW(), version = version + 1
			 WHERE id = $6
			 RETURNING `+productColumns,
			req.Name, req.Description, req.Category, req.Price, req.Unit, id))
		if err != nil {
			return fmt.Errorf("update product: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return product, nil
}

// DeleteProduct removes a product from the farmer's catalog. Products with
// order history are never deleted; order lines must keep a valid reference.
func DeleteProduct(ctx context.Context, db *sql.DB, actor models.Actor, id int64) error {
	return database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var farmerID int64
		err := tx.QueryRowContext(ctx,
			`SELECT farmer_id FROM products WHERE id = $1 FOR UPDATE`, id).Scan(&farmerID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrProductNotFound
			}
			return fmt.Errorf("lock product: %w", err)
		}
		if farmerID != actor.UserID && actor.Role != models.RoleAdmin {
			return database.ErrForbidden
		}

		var lineCount int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM order_items WHERE product_id = $1`, id).Scan(&lineCount)
		if err != nil {
			return fmt.Errorf("count order lines: %w", err)
		}
		if lineCount > 0 {
			return database.ErrProductInUse
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE product_id = $1`, id); err != nil {
			return fmt.Errorf("clear cart references: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete product: %w", err)
		}

		return nil
	})
}

// ReserveStock locks a product row and verifies it can cover quantity. The
// caller must decrement within the same transaction.
func ReserveStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) (*models.Product, error) {
	product, err := scanProduct(tx.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("lock product: %w", err)
	}

	if product.StockQuantity < quantity {
		return nil, database.ErrInsufficientStock
	}

	return product, nil
}

// ReserveStockNoWait is ReserveStock without blocking on a concurrent lock
// holder. Used where a caller would rather fail fast than queue.
func ReserveStockNoWait(ctx context.Context, tx *sql.Tx, productID int64, quantity int) (*models.Product, error) {
	product, err := scanProduct(tx.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE NOWAIT`, productID))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
			return nil, database.ErrLockTimeout
		}
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("lock product (nowait): %w", err)
	}

	if product.StockQuantity < quantity {
		return nil, database.ErrInsufficientStock
	}

	return product, nil
}

// UpdateStockOptimistic sets a farmer's stock level using the version the
// farmer last read. A concurrent checkout bumps the version and fails the
// edit instead of silently overwriting the decrement.
func UpdateStockOptimistic(ctx context.Context, db *sql.DB, actor models.Actor, productID int64, newStock, version int) error {
	if newStock < 0 {
		return fmt.Errorf("%w: stock cannot be negative", database.ErrInvalidQuantity)
	}

	result, err := db.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2 AND version = $3 AND farmer_id = $4`,
		newStock, productID, version, actor.UserID)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrOptimisticLockFailed
	}

	return nil
}

// AdjustStock applies a signed correction to a product's stock on behalf of
// an admin. The row is locked NOWAIT so an inventory correction fails fast
// instead of queueing behind a checkout holding the lock.
func AdjustStock(ctx context.Context, db *sql.DB, actor models.Actor, productID int64, delta int) (*models.Product, error) {
	if actor.Role != models.RoleAdmin {
		return nil, database.ErrForbidden
	}
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment cannot be zero", database.ErrInvalidQuantity)
	}

	var product *models.Product

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		need := 0
		if delta < 0 {
			need = -delta
		}

		locked, err := ReserveStockNoWait(ctx, tx, productID, need)
		if err != nil {
			return err
		}

		product, err = scanProduct(tx.QueryRowContext(ctx,
			`UPDATE products
			 SET stock_quantity = stock_quantity + $1,
			     version = version + 1,
			     updated_at = NOW()
			 WHERE id = $2
			 RETURNING `+productColumns,
			delta, locked.ID))
		if err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return product, nil
}

// DecrementStock takes quantity units off a product inside tx. The stock
// check is part of the UPDATE itself, so two concurrent buyers of the last
// unit cannot both succeed.
func DecrementStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrInsufficientStock
	}

	return nil
}

// RestoreStock puts quantity units back on a product inside tx. Used by the
// cancellation engine; restoration is unconditional, so it can overshoot if
// the product was restocked independently since purchase.
func RestoreStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity + $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}

// ListVisibleProducts pages through approved, in-stock products for the
// consumer storefront.
func ListVisibleProducts(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE is_approved AND stock_quantity > 0`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE is_approved AND stock_quantity > 0
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(products, total, page, pageSize), nil
}

// ListFarmerProducts returns the full catalog of one farmer, approved or not.
func ListFarmerProducts(ctx context.Context, db *sql.DB, farmerID int64) ([]models.Product, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE farmer_id = $1 ORDER BY created_at DESC`,
		farmerID)
	if err != nil {
		return nil, fmt.Errorf("list farmer products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// ListLowStock returns approved products at or below threshold, for the
// synchronous low-stock sweep.
func ListLowStock(ctx context.Context, db *sql.DB, threshold int) ([]models.Product, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+productColumns+`
		 FROM products
		 WHERE is_approved AND stock_quantity <= $1
		 ORDER BY stock_quantity, farmer_id`,
		threshold)
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}
