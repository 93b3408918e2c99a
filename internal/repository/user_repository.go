package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-registrar-api/internal/models"
)

// UserRepository reads application users. Account management lives in the
// identity service; this API only needs actor lookups and recipient lists.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository constructs the repository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID returns a user by its ID.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT id, email, password_hash, full_name, role, active, last_login, created_at, updated_at
        FROM users WHERE id = $1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListEmailsByRole returns active user emails for notification fan-out.
func (r *UserRepository) ListEmailsByRole(ctx context.Context, role models.UserRole) ([]string, error) {
	const query = `SELECT email FROM users WHERE role = $1 AND active = TRUE`
	var emails []string
	if err := r.db.SelectContext(ctx, &emails, query, role); err != nil {
		return nil, fmt.Errorf("list emails by role: %w", err)
	}
	return emails, nil
}
