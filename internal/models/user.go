package models

import (
	"time"
)

// UserRole is the access level of an account.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPER_ADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleModerator  UserRole = "MODERATOR"
	RoleMember     UserRole = "MEMBER"
	RoleGuest      UserRole = "GUEST"
)

// UserStatus is the activation state of an account.
type UserStatus string

const (
	StatusActive    UserStatus = "ACTIVE"
	StatusPending   UserStatus = "PENDING"
	StatusInactive  UserStatus = "INACTIVE"
	StatusSuspended UserStatus = "SUSPENDED"
)

type User struct {
	ID        int        `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Email     string     `json:"email" db:"email"`
	Phone     string     `json:"phone,omitempty" db:"phone"`
	Role      UserRole   `json:"role" db:"role"`
	Status    UserStatus `json:"status" db:"status"`
	Avatar    string     `json:"avatar,omitempty" db:"avatar"`
	LastLogin *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
