package models

import (
	"strings"
	"time"
)

// Roles a user may hold. Operators run checkouts and returns; admins also
// maintain the catalog, the user list and may cancel records.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// ValidRoles defines the available roles in the system
var ValidRoles = []string{RoleOperator, RoleAdmin}

// User is a staff account. Loans and returns point at it through
// operator_id and keep the name as it was when the record was written.
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Name         string     `json:"name"`
	Roles        []string   `json:"roles"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// HasRole checks if the user has a specific role
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Operator is the user as recorded on lifecycle records.
func (u User) Operator() Operator {
	id := u.ID
	return Operator{ID: &id, Name: u.Name, Email: u.Email}
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidRole checks if a role is valid
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if role == r {
			return true
		}
	}
	return false
}

// ValidateRoles checks if all provided roles are valid
func ValidateRoles(roles []string) bool {
	for _, role := range roles {
		if !IsValidRole(role) {
			return false
		}
	}
	return len(roles) > 0
}

// CreateUserRequest represents the request body for creating a new user
type CreateUserRequest struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
}

// UpdateUserRequest represents the request body for updating a user.
// Nil fields are left unchanged.
type UpdateUserRequest struct {
	Name     *string  `json:"name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	IsActive *bool    `json:"is_active,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type UpdateProfileRequest struct {
	Name *string `json:"name,omitempty"`
}
