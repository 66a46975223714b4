package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/safar/farmconnect/internal/config"
	"github.com/safar/farmconnect/internal/models"
	"github.com/safar/farmconnect/internal/store"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func runMigrations(db *sql.DB) error {
	migrationDir := "../../migrations"
	files, err := os.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".up.sql") {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		filePath := filepath.Join(migrationDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
	}

	return nil
}

func testMarket() config.MarketConfig {
	return config.MarketConfig{
		DeliveryCharge:    decimal.NewFromInt(50),
		FreeDeliveryAbove: decimal.NewFromInt(1000),
		LowStockThreshold: 10,
	}
}

func seedUser(t *testing.T, db *sql.DB, role, email string) *models.User {
	t.Helper()

	user, err := store.CreateUser(context.Background(), db, store.CreateUserRequest{
		Email:    email,
		Name:     "Test " + role,
		Role:     role,
		Phone:    "9876543210",
		Location: "Test Town",
	})
	if err != nil {
		t.Fatalf("Create %s: %v", role, err)
	}

	if role == models.RoleFarmer {
		if _, err := db.Exec("UPDATE users SET is_approved = TRUE WHERE id = $1", user.ID); err != nil {
			t.Fatalf("Approve farmer: %v", err)
		}
		user.IsApproved = true
	}

	return user
}

func seedProduct(t *testing.T, db *sql.DB, farmer *models.User, name string, price int64, stock int) *models.Product {
	t.Helper()

	product, err := store.CreateProduct(context.Background(), db, actorFor(farmer), store.CreateProductRequest{
		Name:     name,
		Category: "vegetables",
		Price:    decimal.NewFromInt(price),
		Unit:     "kg",
		Stock:    stock,
	})
	if err != nil {
		t.Fatalf("Create product %s: %v", name, err)
	}

	if _, err := db.Exec("UPDATE products SET is_approved = TRUE WHERE id = $1", product.ID); err != nil {
		t.Fatalf("Approve product %s: %v", name, err)
	}
	product.IsApproved = true

	return product
}

func actorFor(user *models.User) models.Actor {
	return models.Actor{UserID: user.ID, Role: user.Role}
}

func fillCart(t *testing.T, db *sql.DB, consumerID, productID int64, qty int) {
	t.Helper()

	if _, err := store.AddToCart(context.Background(), db, consumerID, productID, qty, testMarket()); err != nil {
		t.Fatalf("Add to cart: %v", err)
	}
}

func deliveryInfo() store.CheckoutInfo {
	return store.CheckoutInfo{
		DeliveryAddress: "12 Market Road",
		DeliveryPhone:   "9876543210",
		DeliveryType:    models.DeliveryTypeDelivery,
		PaymentMethod:   models.PaymentMethodCOD,
	}
}

func productStock(t *testing.T, db *sql.DB, productID int64) int {
	t.Helper()

	product, err := store.GetProduct(context.Background(), db, productID)
	if err != nil {
		t.Fatalf("Get product %d: %v", productID, err)
	}
	return product.StockQuantity
}
