package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/safar/farmconnect/internal/config"
	"github.com/safar/farmconnect/internal/database"
	"github.com/safar/farmconnect/internal/models"
	"github.com/safar/farmconnect/internal/notify"
	"github.com/safar/farmconnect/internal/pricing"
	"github.com/shopspring/decimal"
)

// CheckoutInfo is the delivery and payment detail collected at checkout.
type CheckoutInfo struct {
	DeliveryAddress string     `json:"delivery_address"`
	DeliveryPhone   string     `json:"delivery_phone"`
	DeliveryType    string     `json:"delivery_type"`
	DeliveryDate    *time.Time `json:"delivery_date,omitempty"`
	PaymentMethod   string     `json:"payment_method"`
	Notes           string     `json:"notes,omitempty"`
}

// FieldError is one failed validation check, addressed to the field the user
// has to fix.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every failed checkout field at once.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// ValidateCheckoutInfo checks every field and returns the full list of
// problems. No mutation happens until this passes.
func ValidateCheckoutInfo(info CheckoutInfo, now time.Time) []FieldError {
	var errs []FieldError

	if strings.TrimSpace(info.DeliveryAddress) == "" {
		errs = append(errs, FieldError{"delivery_address", "Delivery address is required"})
	}
	if strings.TrimSpace(info.DeliveryPhone) == "" {
		errs = append(errs, FieldError{"delivery_phone", "Delivery phone is required"})
	}

	switch info.DeliveryType {
	case models.DeliveryTypeDelivery, models.DeliveryTypePickup:
	default:
		errs = append(errs, FieldError{"delivery_type", "Please select a valid delivery type"})
	}

	if info.DeliveryDate != nil {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if info.DeliveryDate.Before(today) {
			errs = append(errs, FieldError{"delivery_date", "Delivery date cannot be in the past"})
		}
	}

	switch info.PaymentMethod {
	case models.PaymentMethodCOD, models.PaymentMethodOnline, models.PaymentMethodUPI:
	default:
		errs = append(errs, FieldError{"payment_method", "Please select a valid payment method"})
	}

	return errs
}

// GenerateOrderNumber builds a short date-coded order number: "FC", the
// current date as YYMMDD, and four random digits. Uniqueness is enforced by
// the orders.order_number constraint; collisions trigger a regenerate.
func GenerateOrderNumber(now time.Time) string {
	return fmt.Sprintf("FC%s%04d", now.Format("060102"), rand.Intn(10000))
}

const orderNumberAttempts = 3

type purchasedLine struct {
	productID   int64
	productName string
	farmerID    int64
	quantity    int
	unitPrice   decimal.Decimal
	subtotal    decimal.Decimal
}

// Checkout converts the consumer's cart into an order. One serializable
// transaction locks every product in the cart, re-checks stock, creates the
// order and its lines with prices frozen, decrements stock, clears the cart,
// and appends the opening tracking event. Farmer notifications go out after
// commit and cannot fail the checkout.
func Checkout(ctx context.Context, db *sql.DB, consumerID int64, info CheckoutInfo, market config.MarketConfig, notifier *notify.Notifier) (*models.Order, error) {
	if fieldErrs := ValidateCheckoutInfo(info, time.Now()); len(fieldErrs) > 0 {
		return nil, &ValidationError{Fields: fieldErrs}
	}

	var order *models.Order
	var lines []purchasedLine

	var err error
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		orderNumber := GenerateOrderNumber(time.Now())

		order, lines, err = checkoutTx(ctx, db, consumerID, orderNumber, info, market)
		if database.IsUniqueViolation(err, "orders_order_number_key") {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	if notifier != nil {
		for _, farmerID := range distinctFarmers(lines) {
			notifier.Notify(farmerID,
				"New Order Received",
				fmt.Sprintf("You have received a new order #%s", order.OrderNumber),
				notify.SeverityOrder,
				fmt.Sprintf("/farmer/orders/%d", order.ID))
		}
	}

	return order, nil
}

func checkoutTx(ctx context.Context, db *sql.DB, consumerID int64, orderNumber string, info CheckoutInfo, market config.MarketConfig) (*models.Order, []purchasedLine, error) {
	var order *models.Order
	var lines []purchasedLine

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		order = nil
		lines = nil

		type cartRow struct {
			productID int64
			quantity  int
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT ci.product_id, ci.quantity
			 FROM cart_items ci
			 JOIN products p ON ci.product_id = p.id
			 WHERE ci.user_id = $1 AND p.is_approved`,
			consumerID)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}

		var cart []cartRow
		for rows.Next() {
			var row cartRow
			if err := rows.Scan(&row.productID, &row.quantity); err != nil {
				rows.Close()
				return fmt.Errorf("scan cart row: %w", err)
			}
			cart = append(cart, row)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("rows error: %w", err)
		}
		rows.Close()

		if len(cart) == 0 {
			return database.ErrCartEmpty
		}

		// Lock products in id order so concurrent checkouts with
		// overlapping carts cannot deadlock.
		sort.Slice(cart, func(i, j int) bool { return cart[i].productID < cart[j].productID })

		subtotal := decimal.Zero
		for _, row := range cart {
			product, err := ReserveStock(ctx, tx, row.productID, row.quantity)
			if err != nil {
				if err == database.ErrInsufficientStock {
					return fmt.Errorf("%w: %s", err, productNameForError(ctx, tx, row.productID))
				}
				return err
			}

			lineSubtotal := product.Price.Mul(decimal.NewFromInt(int64(row.quantity)))
			subtotal = subtotal.Add(lineSubtotal)
			lines = append(lines, purchasedLine{
				productID:   product.ID,
				productName: product.Name,
				farmerID:    product.FarmerID,
				quantity:    row.quantity,
				unitPrice:   product.Price,
				subtotal:    lineSubtotal,
			})
		}

		deliveryCharge := pricing.DeliveryCharge(market, subtotal)
		total := subtotal.Add(deliveryCharge)

		var orderID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (
				order_number, consumer_id, total_amount, status, payment_status, payment_method,
				delivery_address, delivery_phone, delivery_type, delivery_date, notes,
				created_at, updated_at, version
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW(), 1)
			 RETURNING id`,
			orderNumber, consumerID, total, models.OrderStatusPending, models.PaymentStatusPending,
			info.PaymentMethod, info.DeliveryAddress, info.DeliveryPhone, info.DeliveryType,
			info.DeliveryDate, info.Notes).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, line := range lines {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, farmer_id, quantity, unit_price, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				orderID, line.productID, line.farmerID, line.quantity, line.unitPrice, line.subtotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}

			if err := DecrementStock(ctx, tx, line.productID, line.quantity); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE user_id = $1`, consumerID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}

		if err := appendTracking(ctx, tx, orderID, models.OrderStatusPending, "Order placed", consumerID); err != nil {
			return err
		}

		order, err = getOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return order, lines, nil
}

func productNameForError(ctx context.Context, tx *sql.Tx, productID int64) string {
	var name string
	if err := tx.QueryRowContext(ctx,
		`SELECT name FROM products WHERE id = $1`, productID).Scan(&name); err != nil {
		return fmt.Sprintf("product %d", productID)
	}
	return name
}

func distinctFarmers(lines []purchasedLine) []int64 {
	seen := make(map[int64]bool)
	var farmers []int64
	for _, line := range lines {
		if !seen[line.farmerID] {
			seen[line.farmerID] = true
			farmers = append(farmers, line.farmerID)
		}
	}
	return farmers
}
