// Package users provides the user directory consulted by the impersonation
// subsystem for identity lookups and risk attributes.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brokerly/supportd/database"
	"github.com/brokerly/supportd/types"
	"github.com/google/uuid"
)

// Directory is the lookup interface the impersonation subsystem depends on.
type Directory interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*types.User, error)
}

// Store is the SQL-backed user directory.
type Store struct {
	db *database.Database
}

// NewStore creates a user directory over the shared database.
func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

// GetUserByID fetches a user by id. Returns types.ErrNotFound for unknown or
// soft-deleted users.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*types.User, error) {
	var user types.User
	err := s.db.DB().GetContext(ctx, &user,
		`SELECT * FROM users WHERE id = ? AND deleted_at IS NULL`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user %s: %w", id, err)
	}
	return &user, nil
}

// Create inserts a user. Used by seeding and tests; profile maintenance lives
// in the main platform, not here.
func (s *Store) Create(ctx context.Context, user *types.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now()
	user.CreatedAt = now
	user.ModifiedAt = now

	_, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO users (id, email, display_name, is_admin, status, balance_cents, open_flags, created_at, modified_at)
		VALUES (:id, :email, :display_name, :is_admin, :status, :balance_cents, :open_flags, :created_at, :modified_at)`,
		user)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}
