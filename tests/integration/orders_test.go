package integration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/safar/farmconnect/internal/database"
	"github.com/safar/farmconnect/internal/models"
	"github.com/safar/farmconnect/internal/notify"
	"github.com/safar/farmconnect/internal/store"
	"github.com/shopspring/decimal"
)

func TestCheckout(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	tomatoes := seedProduct(t, db, farmer, "Tomatoes", 40, 50)
	spinach := seedProduct(t, db, farmer, "Spinach", 30, 20)

	fillCart(t, db, consumer.ID, tomatoes.ID, 5)
	fillCart(t, db, consumer.ID, spinach.ID, 3)

	order, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), nil)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if !strings.HasPrefix(order.OrderNumber, "FC") || len(order.OrderNumber) != 12 {
		t.Errorf("Unexpected order number format: %q", order.OrderNumber)
	}
	if order.Status != models.OrderStatusPending {
		t.Errorf("Expected status pending, got %s", order.Status)
	}
	if order.PaymentStatus != models.PaymentStatusPending {
		t.Errorf("Expected payment status pending, got %s", order.PaymentStatus)
	}

	// 5*40 + 3*30 = 290, below the free delivery threshold, so +50.
	expectedTotal := decimal.NewFromInt(340)
	if !order.TotalAmount.Equal(expectedTotal) {
		t.Errorf("Expected total %s, got %s", expectedTotal, order.TotalAmount)
	}
	if len(order.Items) != 2 {
		t.Fatalf("Expected 2 order items, got %d", len(order.Items))
	}

	if got := productStock(t, db, tomatoes.ID); got != 45 {
		t.Errorf("Expected tomato stock 45, got %d", got)
	}
	if got := productStock(t, db, spinach.ID); got != 17 {
		t.Errorf("Expected spinach stock 17, got %d", got)
	}

	lines, _, err := store.ViewCart(ctx, db, consumer.ID, testMarket())
	if err != nil {
		t.Fatalf("View cart: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("Cart should be empty after checkout, got %d lines", len(lines))
	}

	events, err := store.GetTracking(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get tracking: %v", err)
	}
	if len(events) != 1 || events[0].Status != models.OrderStatusPending {
		t.Errorf("Expected a single pending tracking event, got %+v", events)
	}
}

func TestCheckoutFreeDelivery(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	honey := seedProduct(t, db, farmer, "Honey", 500, 10)

	fillCart(t, db, consumer.ID, honey.ID, 2)

	order, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), nil)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if !order.TotalAmount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected free delivery at 1000, got total %s", order.TotalAmount)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")

	_, err := store.Checkout(context.Background(), db, consumer.ID, deliveryInfo(), testMarket(), nil)
	if !errors.Is(err, database.ErrCartEmpty) {
		t.Errorf("Expected empty cart error, got: %v", err)
	}
}

func TestCheckoutValidation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	product := seedProduct(t, db, farmer, "Carrots", 25, 10)
	fillCart(t, db, consumer.ID, product.ID, 1)

	_, err := store.Checkout(context.Background(), db, consumer.ID, store.CheckoutInfo{}, testMarket(), nil)

	var validationErr *store.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Expected validation error, got: %v", err)
	}
	if len(validationErr.Fields) < 3 {
		t.Errorf("Expected every missing field reported, got %+v", validationErr.Fields)
	}

	// Validation failures must not touch cart or stock.
	if got := productStock(t, db, product.ID); got != 10 {
		t.Errorf("Stock should be untouched, got %d", got)
	}
}

func TestCheckoutInsufficientStockAllOrNothing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	apples := seedProduct(t, db, farmer, "Apples", 80, 50)
	pears := seedProduct(t, db, farmer, "Pears", 90, 10)

	fillCart(t, db, consumer.ID, apples.ID, 5)
	fillCart(t, db, consumer.ID, pears.ID, 10)

	// Someone else buys most of the pears between add-to-cart and checkout.
	if _, err := db.Exec("UPDATE products SET stock_quantity = 4 WHERE id = $1", pears.ID); err != nil {
		t.Fatalf("Shrink stock: %v", err)
	}

	_, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), nil)
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected insufficient stock error, got: %v", err)
	}

	if got := productStock(t, db, apples.ID); got != 50 {
		t.Errorf("Apple stock should be untouched, got %d", got)
	}
	if got := productStock(t, db, pears.ID); got != 4 {
		t.Errorf("Pear stock should be untouched, got %d", got)
	}

	lines, _, err := store.ViewCart(ctx, db, consumer.ID, testMarket())
	if err != nil {
		t.Fatalf("View cart: %v", err)
	}
	if len(lines) != 2 {
		t.Errorf("Cart should survive a failed checkout, got %d lines", len(lines))
	}
}

func TestConcurrentCheckout(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	product := seedProduct(t, db, farmer, "Eggs", 10, 10)

	concurrency := 10
	consumers := make([]*models.User, concurrency)
	for i := 0; i < concurrency; i++ {
		consumers[i] = seedUser(t, db, models.RoleConsumer, "buyer"+string(rune('a'+i))+"@example.com")
		fillCart(t, db, consumers[i].ID, product.ID, 2)
	}

	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(consumerID int64) {
			defer wg.Done()
			_, err := store.Checkout(ctx, db, consumerID, deliveryInfo(), testMarket(), nil)
			results <- err
		}(consumers[i].ID)
	}

	wg.Wait()
	close(results)

	successCount := 0
	insufficientCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, database.ErrInsufficientStock):
			insufficientCount++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if successCount != 5 {
		t.Errorf("Expected 5 successful checkouts, got %d (insufficient: %d)", successCount, insufficientCount)
	}
	if got := productStock(t, db, product.ID); got != 0 {
		t.Errorf("Expected final stock 0, got %d", got)
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	product := seedProduct(t, db, farmer, "Milk", 60, 20)
	fillCart(t, db, consumer.ID, product.ID, 2)

	order, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), nil)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	// Skipping a step is rejected.
	_, err = store.UpdateOrderStatus(ctx, db, actorFor(farmer), order.ID, models.OrderStatusShipped, "", nil)
	if !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition for pending->shipped, got: %v", err)
	}

	// Cancellation never goes through the status update path.
	_, err = store.UpdateOrderStatus(ctx, db, actorFor(farmer), order.ID, models.OrderStatusCancelled, "", nil)
	if !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition for pending->cancelled, got: %v", err)
	}

	// A farmer with no lines in the order cannot touch it.
	outsider := seedUser(t, db, models.RoleFarmer, "outsider@example.com")
	_, err = store.UpdateOrderStatus(ctx, db, actorFor(outsider), order.ID, models.OrderStatusConfirmed, "", nil)
	if !errors.Is(err, database.ErrForbidden) {
		t.Errorf("Expected forbidden for outsider farmer, got: %v", err)
	}

	for _, next := range []string{
		models.OrderStatusConfirmed,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
	} {
		updated, err := store.UpdateOrderStatus(ctx, db, actorFor(farmer), order.ID, next, "", nil)
		if err != nil {
			t.Fatalf("Advance to %s: %v", next, err)
		}
		if updated.Status != next {
			t.Errorf("Expected status %s, got %s", next, updated.Status)
		}
	}

	events, err := store.GetTracking(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get tracking: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("Expected 5 tracking events (pending + 4 updates), got %d", len(events))
	}
}

func TestConfirmPayment(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	product := seedProduct(t, db, farmer, "Butter", 120, 20)
	fillCart(t, db, consumer.ID, product.ID, 2)

	order, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), nil)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	paid, err := store.ConfirmPayment(ctx, db, actorFor(farmer), order.ID, "", "", nil)
	if err != nil {
		t.Fatalf("Confirm payment: %v", err)
	}
	if paid.PaymentStatus != models.PaymentStatusPaid {
		t.Errorf("Expected payment status paid, got %s", paid.PaymentStatus)
	}
	if paid.PaymentMethod != "Cash/Direct" {
		t.Errorf("Expected default payment method Cash/Direct, got %s", paid.PaymentMethod)
	}

	_, err = store.ConfirmPayment(ctx, db, actorFor(farmer), order.ID, "", "", nil)
	if !errors.Is(err, database.ErrAlreadyPaid) {
		t.Errorf("Expected already paid error on second confirm, got: %v", err)
	}
}

func TestCancelRestoresStockThenReorder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	onions := seedProduct(t, db, farmer, "Onions", 35, 50)
	garlic := seedProduct(t, db, farmer, "Garlic", 200, 8)

	fillCart(t, db, consumer.ID, onions.ID, 10)
	fillCart(t, db, consumer.ID, garlic.ID, 4)

	order, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), nil)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	// Only the owner may cancel.
	other := seedUser(t, db, models.RoleConsumer, "other@example.com")
	if _, err := store.CancelOrder(ctx, db, actorFor(other), order.ID, nil); !errors.Is(err, database.ErrForbidden) {
		t.Errorf("Expected forbidden for non-owner, got: %v", err)
	}

	cancelled, err := store.CancelOrder(ctx, db, actorFor(consumer), order.ID, nil)
	if err != nil {
		t.Fatalf("Cancel order: %v", err)
	}
	if cancelled.Status != models.OrderStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", cancelled.Status)
	}

	if got := productStock(t, db, onions.ID); got != 50 {
		t.Errorf("Expected onion stock restored to 50, got %d", got)
	}
	if got := productStock(t, db, garlic.ID); got != 8 {
		t.Errorf("Expected garlic stock restored to 8, got %d", got)
	}

	// Cancelling twice is rejected.
	if _, err := store.CancelOrder(ctx, db, actorFor(consumer), order.ID, nil); !errors.Is(err, database.ErrInvalidOrderState) {
		t.Errorf("Expected invalid state on double cancel, got: %v", err)
	}

	// Garlic mostly sells out before the reorder.
	if _, err := db.Exec("UPDATE products SET stock_quantity = 3 WHERE id = $1", garlic.ID); err != nil {
		t.Fatalf("Shrink stock: %v", err)
	}

	result, err := store.Reorder(ctx, db, actorFor(consumer), order.ID)
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if result.AddedCount != 2 {
		t.Errorf("Expected 2 lines added, got %d", result.AddedCount)
	}
	if len(result.OutOfStock) != 0 {
		t.Errorf("Expected no out-of-stock lines, got %v", result.OutOfStock)
	}

	lines, _, err := store.ViewCart(ctx, db, consumer.ID, testMarket())
	if err != nil {
		t.Fatalf("View cart: %v", err)
	}
	quantities := map[int64]int{}
	for _, line := range lines {
		quantities[line.ProductID] = line.Quantity
	}
	if quantities[onions.ID] != 10 {
		t.Errorf("Expected 10 onions in cart, got %d", quantities[onions.ID])
	}
	// Quantity is clamped to the stock that is left.
	if quantities[garlic.ID] != 3 {
		t.Errorf("Expected garlic clamped to 3, got %d", quantities[garlic.ID])
	}
}

func TestCancelShippedOrderRejected(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	product := seedProduct(t, db, farmer, "Cheese", 250, 10)
	fillCart(t, db, consumer.ID, product.ID, 1)

	order, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), nil)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	for _, next := range []string{models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped} {
		if _, err := store.UpdateOrderStatus(ctx, db, actorFor(farmer), order.ID, next, "", nil); err != nil {
			t.Fatalf("Advance to %s: %v", next, err)
		}
	}

	if _, err := store.CancelOrder(ctx, db, actorFor(consumer), order.ID, nil); !errors.Is(err, database.ErrInvalidOrderState) {
		t.Errorf("Expected invalid state for shipped order, got: %v", err)
	}
	if got := productStock(t, db, product.ID); got != 9 {
		t.Errorf("Stock must not be restored for a failed cancel, got %d", got)
	}
}

func TestListConsumerOrdersCursor(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	product := seedProduct(t, db, farmer, "Rice", 70, 100)

	for i := 0; i < 15; i++ {
		fillCart(t, db, consumer.ID, product.ID, 1)
		if _, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), nil); err != nil {
			t.Fatalf("Checkout %d: %v", i, err)
		}
	}

	page1, err := store.ListConsumerOrders(ctx, db, consumer.ID, "", 10)
	if err != nil {
		t.Fatalf("List orders page 1: %v", err)
	}
	if !page1.HasMore {
		t.Error("Page 1 should have more results")
	}
	if page1.NextCursor == "" {
		t.Error("Page 1 should have a next cursor")
	}

	page2, err := store.ListConsumerOrders(ctx, db, consumer.ID, page1.NextCursor, 10)
	if err != nil {
		t.Fatalf("List orders page 2: %v", err)
	}
	if page2.HasMore {
		t.Error("Page 2 should not have more results")
	}
}

func TestFarmerOrderView(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	farmerA := seedUser(t, db, models.RoleFarmer, "farmer.a@example.com")
	farmerB := seedUser(t, db, models.RoleFarmer, "farmer.b@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	corn := seedProduct(t, db, farmerA, "Corn", 45, 30)
	beans := seedProduct(t, db, farmerB, "Beans", 55, 30)

	fillCart(t, db, consumer.ID, corn.ID, 2)
	fillCart(t, db, consumer.ID, beans.ID, 3)

	if _, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), nil); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	orders, err := store.ListFarmerOrders(ctx, db, farmerA.ID)
	if err != nil {
		t.Fatalf("List farmer orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("Expected 1 order for farmer A, got %d", len(orders))
	}
	if len(orders[0].Items) != 1 || orders[0].Items[0].ProductID != corn.ID {
		t.Errorf("Farmer A should only see their own lines, got %+v", orders[0].Items)
	}
}

func TestCheckoutNotifiesFarmers(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := watermill.NopLogger{}
	bus := notify.NewBus(logger)
	defer bus.Close()

	go func() {
		_ = notify.RunSink(ctx, bus, logger, func(ctx context.Context, event notify.Event) error {
			return store.InsertNotification(ctx, db, event)
		})
	}()

	notifier := notify.NewNotifier(bus, logger)

	farmer := seedUser(t, db, models.RoleFarmer, "farmer@example.com")
	consumer := seedUser(t, db, models.RoleConsumer, "consumer@example.com")
	product := seedProduct(t, db, farmer, "Potatoes", 20, 40)
	fillCart(t, db, consumer.ID, product.ID, 3)

	if _, err := store.Checkout(ctx, db, consumer.ID, deliveryInfo(), testMarket(), notifier); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		notifications, err := store.ListNotifications(ctx, db, farmer.ID, true, 10)
		if err != nil {
			t.Fatalf("List notifications: %v", err)
		}
		if len(notifications) == 1 {
			if notifications[0].Title != "New Order Received" {
				t.Errorf("Unexpected notification title: %q", notifications[0].Title)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Farmer notification never arrived, have %d", len(notifications))
		}
		time.Sleep(50 * time.Millisecond)
	}
}
