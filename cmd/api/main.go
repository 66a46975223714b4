package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/safar/farmconnect/internal/config"
	"github.com/safar/farmconnect/internal/database"
	"github.com/safar/farmconnect/internal/models"
	"github.com/safar/farmconnect/internal/notify"
	"github.com/safar/farmconnect/internal/store"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(context.Background(), &cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	log.Printf("Connected to database successfully")

	wmLogger := watermill.NewStdLogger(false, false)
	bus := notify.NewBus(wmLogger)
	defer bus.Close()

	notifier := notify.NewNotifier(bus, wmLogger)

	sinkCtx, cancelSink := context.WithCancel(context.Background())
	defer cancelSink()
	go func() {
		err := notify.RunSink(sinkCtx, bus, wmLogger, func(ctx context.Context, event notify.Event) error {
			return store.InsertNotification(ctx, db, event)
		})
		if err != nil && sinkCtx.Err() == nil {
			log.Printf("Notification sink stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /users", handleCreateUser(db))
	mux.HandleFunc("GET /users", handleListUsers(db))
	mux.HandleFunc("GET /users/{id}", handleGetUser(db))
	mux.HandleFunc("POST /users/{id}/approve", handleApproveUser(db))

	mux.HandleFunc("GET /products", handleListProducts(db))
	mux.HandleFunc("POST /products", handleCreateProduct(db))
	mux.HandleFunc("GET /products/{id}", handleGetProduct(db))
	mux.HandleFunc("PUT /products/{id}", handleUpdateProduct(db))
	mux.HandleFunc("DELETE /products/{id}", handleDeleteProduct(db))
	mux.HandleFunc("POST /products/{id}/approve", handleApproveProduct(db))
	mux.HandleFunc("PUT /products/{id}/stock", handleUpdateStock(db))
	mux.HandleFunc("POST /products/{id}/adjust-stock", handleAdjustStock(db))
	mux.HandleFunc("GET /farmer/products", handleFarmerProducts(db))

	mux.HandleFunc("GET /cart", handleViewCart(db, cfg.Market))
	mux.HandleFunc("POST /cart/items", handleAddToCart(db, cfg.Market))
	mux.HandleFunc("PUT /cart/items/{id}", handleUpdateCartItem(db, cfg.Market))
	mux.HandleFunc("DELETE /cart/items/{id}", handleRemoveCartItem(db, cfg.Market))

	mux.HandleFunc("POST /checkout", handleCheckout(db, cfg.Market, notifier))

	mux.HandleFunc("GET /orders", handleListOrders(db))
	mux.HandleFunc("GET /orders/{id}", handleGetOrder(db))
	mux.HandleFunc("GET /orders/{id}/tracking", handleOrderTracking(db))
	mux.HandleFunc("POST /orders/{id}/status", handleUpdateOrderStatus(db, notifier))
	mux.HandleFunc("POST /orders/{id}/payment", handleConfirmPayment(db, notifier))
	mux.HandleFunc("POST /orders/{id}/cancel", handleCancelOrder(db, notifier))
	mux.HandleFunc("POST /orders/{id}/reorder", handleReorder(db))
	mux.HandleFunc("GET /farmer/orders", handleFarmerOrders(db))

	mux.HandleFunc("GET /notifications", handleListNotifications(db))
	mux.HandleFunc("POST /notifications/read", handleMarkNotificationsRead(db))
	mux.HandleFunc("POST /admin/low-stock-sweep", handleLowStockSweep(db, cfg.Market, notifier))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("Server starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// actorFromRequest reads the authenticated principal forwarded by the auth
// layer. The core never reads ambient session state.
func actorFromRequest(r *http.Request) (models.Actor, bool) {
	id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		return models.Actor{}, false
	}

	role := r.Header.Get("X-User-Role")
	switch role {
	case models.RoleFarmer, models.RoleConsumer, models.RoleAdmin:
	default:
		return models.Actor{}, false
	}

	return models.Actor{UserID: id, Role: role}, true
}

func requireActor(w http.ResponseWriter, r *http.Request, roles ...string) (models.Actor, bool) {
	actor, ok := actorFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Please login to continue")
		return models.Actor{}, false
	}

	if len(roles) > 0 {
		allowed := false
		for _, role := range roles {
			if actor.Role == role {
				allowed = true
				break
			}
		}
		if !allowed {
			respondError(w, http.StatusForbidden, "You do not have permission to access this")
			return models.Actor{}, false
		}
	}

	return actor, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

func handleCreateUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Name     string `json:"name"`
			Role     string `json:"role"`
			Phone    string `json:"phone"`
			Location string `json:"location"`
			FarmName string `json:"farm_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		user, err := store.CreateUser(r.Context(), db, store.CreateUserRequest{
			Email:    req.Email,
			Name:     req.Name,
			Role:     req.Role,
			Phone:    req.Phone,
			Location: req.Location,
			FarmName: req.FarmName,
		})
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, user)
	}
}

func handleListUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireActor(w, r, models.RoleAdmin); !ok {
			return
		}

		page, pageSize := pageParams(r)
		result, err := store.ListUsers(r.Context(), db, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		user, err := store.GetUser(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, user)
	}
}

func handleApproveUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleAdmin)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		if err := store.ApproveUser(r.Context(), db, actor, id); err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]string{"message": "User approved"})
	}
}

func handleListProducts(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := pageParams(r)
		result, err := store.ListVisibleProducts(r.Context(), db, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleCreateProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleFarmer)
		if !ok {
			return
		}

		var req struct {
			Name        string  `json:"name"`
			Description string  `json:"description"`
			Category    string  `json:"category"`
			Price       float64 `json:"price"`
			Unit        string  `json:"unit"`
			Stock       int     `json:"stock"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		product, err := store.CreateProduct(r.Context(), db, actor, store.CreateProductRequest{
			Name:        req.Name,
			Description: req.Description,
			Category:    req.Category,
			Price:       decimal.NewFromFloat(req.Price),
			Unit:        req.Unit,
			Stock:       req.Stock,
		})
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, product)
	}
}

func handleGetProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		product, err := store.GetProduct(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, product)
	}
}

func handleUpdateProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleFarmer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req struct {
			Name        string  `json:"name"`
			Description string  `json:"description"`
			Category    string  `json:"category"`
			Price       float64 `json:"price"`
			Unit        string  `json:"unit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		product, err := store.UpdateProduct(r.Context(), db, actor, id, store.UpdateProductRequest{
			Name:        req.Name,
			Description: req.Description,
			Category:    req.Category,
			Price:       decimal.NewFromFloat(req.Price),
			Unit:        req.Unit,
		})
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, product)
	}
}

func handleDeleteProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleFarmer, models.RoleAdmin)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		if err := store.DeleteProduct(r.Context(), db, actor, id); err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]string{"message": "Product deleted"})
	}
}

func handleApproveProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleAdmin)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		if err := store.ApproveProduct(r.Context(), db, actor, id); err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]string{"message": "Product approved"})
	}
}

func handleUpdateStock(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleFarmer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req struct {
			Stock   int `json:"stock"`
			Version int `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		if err := store.UpdateStockOptimistic(r.Context(), db, actor, id, req.Stock, req.Version); err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]string{"message": "Stock updated"})
	}
}

func handleAdjustStock(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleAdmin)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req struct {
			Delta int `json:"delta"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		product, err := store.AdjustStock(r.Context(), db, actor, id, req.Delta)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, product)
	}
}

func handleFarmerProducts(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleFarmer)
		if !ok {
			return
		}

		products, err := store.ListFarmerProducts(r.Context(), db, actor.UserID)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, products)
	}
}

func handleViewCart(db *sql.DB, market config.MarketConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}

		lines, totals, err := store.ViewCart(r.Context(), db, actor.UserID, market)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"items":  lines,
			"totals": totals,
		})
	}
}

func handleAddToCart(db *sql.DB, market config.MarketConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}

		var req struct {
			ProductID int64 `json:"product_id"`
			Quantity  int   `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		totals, err := store.AddToCart(r.Context(), db, actor.UserID, req.ProductID, req.Quantity, market)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Item added to cart",
			"totals":  totals,
		})
	}
}

func handleUpdateCartItem(db *sql.DB, market config.MarketConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req struct {
			Quantity int `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		totals, err := store.UpdateCartQuantity(r.Context(), db, actor.UserID, id, req.Quantity, market)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Cart updated successfully",
			"totals":  totals,
		})
	}
}

func handleRemoveCartItem(db *sql.DB, market config.MarketConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		totals, err := store.RemoveFromCart(r.Context(), db, actor.UserID, id, market)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Item removed from cart",
			"totals":  totals,
		})
	}
}

func handleCheckout(db *sql.DB, market config.MarketConfig, notifier *notify.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}

		var info store.CheckoutInfo
		if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		order, err := store.Checkout(r.Context(), db, actor.UserID, info, market, notifier)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, map[string]interface{}{
			"message": "Order placed successfully! Order number: " + order.OrderNumber,
			"order":   order,
		})
	}
}

func handleListOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 || limit > 100 {
			limit = 20
		}

		result, err := store.ListConsumerOrders(r.Context(), db, actor.UserID, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		order, err := store.GetConsumerOrder(r.Context(), db, actor.UserID, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, order)
	}
}

func handleOrderTracking(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		if _, err := store.GetConsumerOrder(r.Context(), db, actor.UserID, id); err != nil {
			respondStoreError(w, err)
			return
		}

		events, err := store.GetTracking(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, events)
	}
}

func handleUpdateOrderStatus(db *sql.DB, notifier *notify.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleFarmer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Status == "" {
			respondError(w, http.StatusBadRequest, "Status is required")
			return
		}

		order, err := store.UpdateOrderStatus(r.Context(), db, actor, id, req.Status, req.Message, notifier)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Order status updated successfully!",
			"order":   order,
		})
	}
}

func handleConfirmPayment(db *sql.DB, notifier *notify.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleFarmer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req struct {
			PaymentMethod string `json:"payment_method"`
			Notes         string `json:"notes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		order, err := store.ConfirmPayment(r.Context(), db, actor, id, req.PaymentMethod, req.Notes, notifier)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Payment confirmed successfully!",
			"order":   order,
		})
	}
}

func handleCancelOrder(db *sql.DB, notifier *notify.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		order, err := store.CancelOrder(r.Context(), db, actor, id, notifier)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Order cancelled successfully!",
			"order":   order,
		})
	}
}

func handleReorder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleConsumer)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		result, err := store.Reorder(r.Context(), db, actor, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleFarmerOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r, models.RoleFarmer)
		if !ok {
			return
		}

		orders, err := store.ListFarmerOrders(r.Context(), db, actor.UserID)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, orders)
	}
}

func handleListNotifications(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 || limit > 100 {
			limit = 10
		}
		unreadOnly := r.URL.Query().Get("unread") == "true"

		notifications, err := store.ListNotifications(r.Context(), db, actor.UserID, unreadOnly, limit)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, notifications)
	}
}

func handleMarkNotificationsRead(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		if err := store.MarkNotificationsRead(r.Context(), db, actor.UserID); err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]string{"message": "Notifications marked read"})
	}
}

func handleLowStockSweep(db *sql.DB, market config.MarketConfig, notifier *notify.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireActor(w, r, models.RoleAdmin); !ok {
			return
		}

		count, err := store.SweepLowStock(r.Context(), db, market, notifier)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "Low stock sweep completed",
			"low_stock": count,
		})
	}
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// respondStoreError translates store errors into a status code and a message
// a user can act on. Storage internals are logged, never returned.
func respondStoreError(w http.ResponseWriter, err error) {
	var validationErr *store.ValidationError
	if errors.As(err, &validationErr) {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  validationErr.Error(),
			"fields": validationErr.Fields,
		})
		return
	}

	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrCartItemNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrForbidden):
		respondError(w, http.StatusForbidden, "You do not have permission to perform this action")
	case errors.Is(err, database.ErrInsufficientStock):
		respondError(w, http.StatusConflict, "Not enough stock available")
	case errors.Is(err, database.ErrCartEmpty):
		respondError(w, http.StatusBadRequest, "Your cart is empty")
	case errors.Is(err, database.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, "Quantity must be greater than 0")
	case errors.Is(err, database.ErrInvalidTransition):
		respondError(w, http.StatusUnprocessableEntity, "Invalid status")
	case errors.Is(err, database.ErrInvalidOrderState):
		respondError(w, http.StatusConflict, "Order cannot be cancelled at this stage")
	case errors.Is(err, database.ErrAlreadyPaid):
		respondError(w, http.StatusConflict, "Payment already confirmed for this order")
	case errors.Is(err, database.ErrProductInUse):
		respondError(w, http.StatusConflict, "Product has orders and cannot be deleted")
	case errors.Is(err, database.ErrLockTimeout):
		respondError(w, http.StatusConflict, "Product is busy, please try again")
	case errors.Is(err, database.ErrOptimisticLockFailed):
		respondError(w, http.StatusConflict, "Product was changed by someone else, please retry")
	default:
		log.Printf("Internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
