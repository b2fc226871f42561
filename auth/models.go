package auth

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleConsultant Role = "consultant"
	RoleAgent      Role = "agent"
	RoleAdmin      Role = "admin"
)

// User is the domain representation of a marketplace account.
// It mirrors the users table and carries no JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	Tier         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Caller is the authenticated identity attached to a request.
type Caller struct {
	UserID string
	Role   Role
}

// Authenticated reports whether the caller carries an identity.
func (c Caller) Authenticated() bool {
	return c.UserID != ""
}

// IsAdmin reports whether the caller may act on any dispute or escrow.
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// IsStaff reports whether the caller handles disputes (agent or admin).
func (c Caller) IsStaff() bool {
	return c.Role == RoleAdmin || c.Role == RoleAgent
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
	Tier     string `json:"tier"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
