package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/farmconnect/internal/database"
	"github.com/safar/farmconnect/internal/models"
)

type CreateUserRequest struct {
	Email    string
	Name     string
	Role     string
	Phone    string
	Location string
	FarmName string
}

func CreateUser(ctx context.Context, db *sql.DB, req CreateUserRequest) (*models.User, error) {
	user := &models.User{}

	// Consumers and admins are active immediately; farmers wait for approval.
	approved := req.Role != models.RoleFarmer

	query := `
		INSERT INTO users (email, name, role, phone, location, farm_name, is_approved, is_active, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW(), NOW(), 1)
		RETURNING id, email, name, role, phone, location, farm_name, is_approved, is_active, created_at, updated_at, version`

	err := db.QueryRowContext(ctx, query,
		req.Email, req.Name, req.Role, req.Phone, req.Location, req.FarmName, approved).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.Phone,
		&user.Location,
		&user.FarmName,
		&user.IsApproved,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

func GetUser(ctx context.Context, db *sql.DB, id int64) (*models.User, error) {
	user := &models.User{}

	query := `
		SELECT id, email, name, role, phone, location, farm_name, is_approved, is_active, created_at, updated_at, version
		FROM users
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.Phone,
		&user.Location,
		&user.FarmName,
		&user.IsApproved,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return user, nil
}

// ApproveUser marks a farmer account as approved. Admin only.
func ApproveUser(ctx context.Context, db *sql.DB, actor models.Actor, userID int64) error {
	if actor.Role != models.RoleAdmin {
		return database.ErrForbidden
	}

	result, err := db.ExecContext(ctx,
		`UPDATE users
		 SET is_approved = TRUE, updated_at = NOW(), version = version + 1
		 WHERE id = $1`,
		userID)
	if err != nil {
		return fmt.Errorf("approve user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrUserNotFound
	}

	return nil
}

// ListActiveUserIDsByRole returns ids of active users with the given role.
// Used to fan notifications out to every admin.
func ListActiveUserIDsByRole(ctx context.Context, db *sql.DB, role string) ([]int64, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id FROM users WHERE role = $1 AND is_active`,
		role)
	if err != nil {
		return nil, fmt.Errorf("list users by role: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

func ListUsers(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, email, name, role, phone, location, farm_name, is_approved, is_active, created_at, updated_at, version
		FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		err := rows.Scan(
			&user.ID,
			&user.Email,
			&user.Name,
			&user.Role,
			&user.Phone,
			&user.Location,
			&user.FarmName,
			&user.IsApproved,
			&user.IsActive,
			&user.CreatedAt,
			&user.UpdatedAt,
			&user.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(users, total, page, pageSize), nil
}
