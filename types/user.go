// Package types provides the shared types of the supportd service.
package types

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// User account statuses as stored in the user directory.
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
	UserStatusFrozen    = "frozen"
	UserStatusClosed    = "closed"
)

// User represents a platform user as seen by the admin console.
// BalanceCents and OpenFlags are the risk attributes consulted when an
// impersonation request is filed.
type User struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	DisplayName  string     `db:"display_name" json:"display_name"`
	IsAdmin      bool       `db:"is_admin" json:"is_admin"`
	Status       string     `db:"status" json:"status"`
	BalanceCents int64      `db:"balance_cents" json:"balance_cents"`
	OpenFlags    int        `db:"open_flags" json:"open_flags"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`

	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	ModifiedAt time.Time    `db:"modified_at" json:"modified_at"`
	DeletedAt  sql.NullTime `db:"deleted_at" json:"deleted_at,omitempty"`
}

// IsActive returns true if the account is in the normal active status and not
// soft-deleted.
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive && !u.DeletedAt.Valid
}
