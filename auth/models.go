package auth

import "time"

type Role string

const (
	RoleUser     Role = "user"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains self-service registration data. Self-registered
// accounts always get RoleUser.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// ProvisionRequest creates an account with an explicit role. It is an
// operator path, not exposed over HTTP.
type ProvisionRequest struct {
	Email    string
	Password string
	FullName string
	Role     Role
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Principal is the identity carried by a verified token.
type Principal struct {
	UserID string
	Role   Role
}
