package model

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

// User is the principal authenticated by the service. The user store owns it;
// the auth service only writes back LastLoginAt and PasswordHash.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	Permissions  []string
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// ResetEntry is what the reset store keeps per outstanding token.
type ResetEntry struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthUser is the identity attached to a request after bearer authentication.
type AuthUser struct {
	ID          string
	Email       string
	Role        Role
	Permissions []string
}

func (u *AuthUser) HasPermission(perm string) bool {
	return slices.Contains(u.Permissions, perm)
}

type RegisterRequest struct {
	Name            string `json:"name" validate:"required,min=2,max=50"`
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required,min=8,max=72,password"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8,max=72,password"`
}

type UserSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"createdAt"`
}

func NewUserSummary(u *User) UserSummary {
	return UserSummary{
		ID:          u.ID,
		Name:        u.Name,
		Email:       u.Email,
		Role:        u.Role,
		Permissions: u.Permissions,
		CreatedAt:   u.CreatedAt,
	}
}

// TokenPair is the output of every flow that mints credentials.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	ExpiresIn        int64
	RefreshExpiresIn int64
}

type TokenResponse struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	TokenType        string `json:"tokenType"`
	ExpiresIn        int64  `json:"expiresIn"`
	RefreshExpiresIn int64  `json:"refreshExpiresIn"`
}

func NewTokenResponse(p TokenPair) TokenResponse {
	return TokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        p.ExpiresIn,
		RefreshExpiresIn: p.RefreshExpiresIn,
	}
}

type AuthResponse struct {
	User UserSummary `json:"user"`
	TokenResponse
}

type LoginResponse struct {
	AuthResponse
	LastLogin *time.Time `json:"lastLogin"`
}

type ProfileResponse struct {
	Profile   ProfileInfo `json:"profile"`
	Account   AccountInfo `json:"account"`
	APIAccess APIAccess   `json:"apiAccess"`
}

type ProfileInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type AccountInfo struct {
	Role        Role       `json:"role"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt"`
}

type APIAccess struct {
	TokenType  string           `json:"tokenType"`
	RateLimits map[string]Quota `json:"rateLimits"`
}

type RateLimitsResponse struct {
	RateLimits map[string]Quota `json:"rateLimits"`
}

type Quota struct {
	Max           int   `json:"max"`
	WindowSeconds int64 `json:"windowSeconds"`
}

// ResetMessage is handed to the delivery channel after a reset token is issued.
type ResetMessage struct {
	Email     string
	Name      string
	Token     string
	ExpiresAt time.Time
}
