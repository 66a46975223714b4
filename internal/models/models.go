package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleFarmer   = "farmer"
	RoleConsumer = "consumer"
	RoleAdmin    = "admin"
)

// Actor is the authenticated principal acting on an operation. It is always
// passed explicitly; nothing in the core reads ambient session state.
type Actor struct {
	UserID int64
	Role   string
}

type User struct {
	ID         int64     `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	Phone      string    `json:"phone,omitempty"`
	Location   string    `json:"location,omitempty"`
	FarmName   string    `json:"farm_name,omitempty"`
	IsApproved bool      `json:"is_approved"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Version    int       `json:"version"`
}

type Product struct {
	ID            int64           `json:"id"`
	FarmerID      int64           `json:"farmer_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Category      string          `json:"category,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Unit          string          `json:"unit"`
	StockQuantity int             `json:"stock_quantity"`
	IsApproved    bool            `json:"is_approved"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

// Visible reports whether the product can be offered to consumers.
func (p *Product) Visible() bool {
	return p.IsApproved && p.StockQuantity > 0
}

type CartItem struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ProductID int64     `json:"product_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CartLine is a cart item joined with live product and farm data.
type CartLine struct {
	CartItem
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Unit        string          `json:"unit"`
	Stock       int             `json:"stock"`
	FarmerID    int64           `json:"farmer_id"`
	FarmName    string          `json:"farm_name"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// CartTotals is returned by every cart mutation so the caller can refresh
// the rendered cart without a second round trip.
type CartTotals struct {
	ItemCount      int             `json:"item_count"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DeliveryCharge decimal.Decimal `json:"delivery_charge"`
	Total          decimal.Decimal `json:"total"`
}

type Order struct {
	ID              int64           `json:"id"`
	OrderNumber     string          `json:"order_number"`
	ConsumerID      int64           `json:"consumer_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"payment_status"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	DeliveryAddress string          `json:"delivery_address"`
	DeliveryPhone   string          `json:"delivery_phone"`
	DeliveryType    string          `json:"delivery_type"`
	DeliveryDate    *time.Time      `json:"delivery_date,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int             `json:"version"`
	Items           []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	FarmerID  int64           `json:"farmer_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

// TrackingEvent is one append-only row of an order's status history.
type TrackingEvent struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedBy int64     `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Link      string    `json:"link,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	OrderStatusPending    = "pending"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

const (
	DeliveryTypeDelivery = "delivery"
	DeliveryTypePickup   = "pickup"
)

const (
	PaymentMethodCOD    = "cod"
	PaymentMethodOnline = "online"
	PaymentMethodUPI    = "upi"
)

// TrackingStatusPaymentConfirmed marks a payment confirmation in the tracking
// log. It is not an order status.
const TrackingStatusPaymentConfirmed = "payment_confirmed"

// statusTransitions is the forward fulfillment chain. Cancellation is not
// listed: cancelled is reachable only through the cancellation engine, which
// applies its own pending/confirmed guard.
var statusTransitions = map[string]string{
	OrderStatusPending:    OrderStatusConfirmed,
	OrderStatusConfirmed:  OrderStatusProcessing,
	OrderStatusProcessing: OrderStatusShipped,
	OrderStatusShipped:    OrderStatusDelivered,
}

// KnownOrderStatus reports whether s is one of the six order status labels.
func KnownOrderStatus(s string) bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a farmer may move an order from one status to
// the next. Only single forward steps along the fulfillment chain are allowed.
func CanTransition(from, to string) bool {
	return statusTransitions[from] == to
}

// Cancellable reports whether a consumer may still cancel an order in the
// given status.
func Cancellable(status string) bool {
	return status == OrderStatusPending || status == OrderStatusConfirmed
}
