package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/credgate/backend/internal/metrics"
	"github.com/credgate/backend/internal/model"
)

// ForgotPasswordMessage is returned by the forgot flow whether or not the
// account exists.
const ForgotPasswordMessage = "If an account with that email exists, a password reset link has been sent."

var (
	ErrMisconfigured = errors.New("auth config invalid")

	defaultPermissions = []string{model.PermissionRead, model.PermissionWrite}
	adminPermissions   = []string{model.PermissionRead, model.PermissionWrite, model.PermissionAdmin}
)

// UserStore is the persistence the auth flows need. Implementations return
// model.ErrNotFound and model.ErrAlreadyExists for the matching conditions.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// ResetNotifier delivers a reset token to the account owner.
type ResetNotifier interface {
	SendReset(ctx context.Context, msg model.ResetMessage) error
}

// Session is what register, login and refresh hand back to the caller.
type Session struct {
	User   *model.User
	Tokens model.TokenPair
}

type AuthDeps struct {
	Users    UserStore
	Hasher   PasswordHasher
	Tokens   *TokenSigner
	Resets   *ResetService
	Notifier ResetNotifier
	// Quotas is reported back on the profile endpoint.
	Quotas map[string]model.Quota
	Now    func() time.Time
	Logger zerolog.Logger
}

type AuthService struct {
	users    UserStore
	hasher   PasswordHasher
	tokens   *TokenSigner
	resets   *ResetService
	notifier ResetNotifier
	quotas   map[string]model.Quota
	now      func() time.Time
	log      zerolog.Logger

	dummyMu   sync.Mutex
	dummyHash string
}

func NewAuthService(d AuthDeps) (*AuthService, error) {
	switch {
	case d.Users == nil:
		return nil, fmt.Errorf("%w: user store is required", ErrMisconfigured)
	case d.Hasher == nil:
		return nil, fmt.Errorf("%w: hasher is required", ErrMisconfigured)
	case d.Tokens == nil:
		return nil, fmt.Errorf("%w: token signer is required", ErrMisconfigured)
	case d.Resets == nil:
		return nil, fmt.Errorf("%w: reset service is required", ErrMisconfigured)
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &AuthService{
		users:    d.Users,
		hasher:   d.Hasher,
		tokens:   d.Tokens,
		resets:   d.Resets,
		notifier: d.Notifier,
		quotas:   d.Quotas,
		now:      now,
		log:      d.Logger,
	}, nil
}

// EnsureAdmin creates the admin account if no account with email exists yet.
// An existing account is left untouched.
func (s *AuthService) EnsureAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: ADMIN_EMAIL/ADMIN_PASSWORD are required", ErrMisconfigured)
	}

	_, err := s.users.FindByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return internal("find admin", err)
	}

	if len(password) < 8 || !isStrongPassword(password) {
		return fmt.Errorf("%w: ADMIN_PASSWORD does not meet the password rules", ErrMisconfigured)
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return internal("hash admin password", err)
	}

	err = s.users.Create(ctx, &model.User{
		ID:           uuid.NewString(),
		Name:         "Administrator",
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		Permissions:  adminPermissions,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return internal("create admin", err)
	}
	s.log.Info().Str("email", email).Msg("admin account ensured")
	return nil
}

func (s *AuthService) Register(ctx context.Context, req model.RegisterRequest) (*Session, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = normalizeEmail(req.Email)
	if err := validateRequest(req); err != nil {
		return nil, s.outcome("register", err)
	}

	// A client disconnect must not leave the account half-created.
	ctx = context.WithoutCancel(ctx)

	_, err := s.users.FindByEmail(ctx, req.Email)
	switch {
	case err == nil:
		return nil, s.outcome("register", errUserExists())
	case !errors.Is(err, model.ErrNotFound):
		return nil, s.outcome("register", internal("find user", err))
	}

	hash, err := s.hasher.Hash(ctx, req.Password)
	if err != nil {
		return nil, s.outcome("register", internal("hash password", err))
	}

	user := &model.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		Permissions:  append([]string(nil), defaultPermissions...),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, model.ErrAlreadyExists) {
			return nil, s.outcome("register", errUserExists())
		}
		return nil, s.outcome("register", internal("create user", err))
	}

	tokens, err := s.tokens.IssuePair(user)
	if err != nil {
		return nil, s.outcome("register", err)
	}
	s.log.Info().Str("user_id", user.ID).Msg("user registered")
	s.outcome("register", nil)
	return &Session{User: user, Tokens: tokens}, nil
}

// Login checks credentials and issues a token pair. Unknown emails and wrong
// passwords produce the same error and take comparable time.
func (s *AuthService) Login(ctx context.Context, req model.LoginRequest) (*Session, error) {
	req.Email = normalizeEmail(req.Email)
	if err := validateRequest(req); err != nil {
		return nil, s.outcome("login", err)
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, s.outcome("login", internal("find user", err))
		}
		dummy, err := s.dummyPasswordHash(ctx)
		if err != nil {
			return nil, s.outcome("login", internal("dummy password hash", err))
		}
		if _, err := s.hasher.Verify(ctx, req.Password, dummy); err != nil {
			return nil, s.outcome("login", internal("verify password", err))
		}
		s.log.Info().Str("reason", "unknown_email").Msg("login failed")
		return nil, s.outcome("login", errInvalidCredentials())
	}

	match, err := s.hasher.Verify(ctx, req.Password, user.PasswordHash)
	if err != nil {
		return nil, s.outcome("login", internal("verify password", err))
	}
	if !match {
		s.log.Info().Str("user_id", user.ID).Str("reason", "password_mismatch").Msg("login failed")
		return nil, s.outcome("login", errInvalidCredentials())
	}

	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(context.WithoutCancel(ctx), user.ID, now); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("update last login")
	}
	user.LastLoginAt = &now

	tokens, err := s.tokens.IssuePair(user)
	if err != nil {
		return nil, s.outcome("login", err)
	}
	s.outcome("login", nil)
	return &Session{User: user, Tokens: tokens}, nil
}

// Refresh exchanges a valid refresh token for a new pair. The presented
// token is not tracked and stays usable until it expires.
func (s *AuthService) Refresh(ctx context.Context, req model.RefreshRequest) (*Session, error) {
	if err := validateRequest(req); err != nil {
		return nil, s.outcome("refresh", err)
	}

	claims, err := s.tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		return nil, s.outcome("refresh", refreshError(err))
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, s.outcome("refresh", errUserNotFound())
		}
		return nil, s.outcome("refresh", internal("find user", err))
	}

	tokens, err := s.tokens.IssuePair(user)
	if err != nil {
		return nil, s.outcome("refresh", err)
	}
	s.outcome("refresh", nil)
	return &Session{User: user, Tokens: tokens}, nil
}

// Logout only acknowledges; issued tokens remain valid until they expire.
func (s *AuthService) Logout(_ context.Context, user *model.AuthUser) {
	s.log.Info().Str("user_id", user.ID).Msg("user logged out")
	s.outcome("logout", nil)
}

// ForgotPassword issues and delivers a reset token when the account exists.
// It never reports failure: callers always answer with ForgotPasswordMessage,
// including for addresses that could not belong to any account.
func (s *AuthService) ForgotPassword(ctx context.Context, req model.ForgotPasswordRequest) error {
	req.Email = normalizeEmail(req.Email)
	if err := validateRequest(req); err != nil {
		s.log.Debug().Err(err).Msg("forgot password request ignored")
		s.outcome("forgot", nil)
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.log.Error().Err(err).Msg("forgot password lookup")
		}
		s.outcome("forgot", nil)
		return nil
	}

	token, expiresAt, err := s.resets.Issue(ctx, user.Email)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("issue reset token")
		s.outcome("forgot", nil)
		return nil
	}
	s.log.Info().Str("user_id", user.ID).Time("expires_at", expiresAt).Msg("password reset issued")

	if s.notifier != nil {
		msg := model.ResetMessage{Email: user.Email, Name: user.Name, Token: token, ExpiresAt: expiresAt}
		if err := s.notifier.SendReset(ctx, msg); err != nil {
			s.log.Error().Err(err).Str("user_id", user.ID).Msg("deliver reset token")
		}
	}
	s.outcome("forgot", nil)
	return nil
}

func (s *AuthService) ResetPassword(ctx context.Context, req model.ResetPasswordRequest) error {
	req.Token = strings.TrimSpace(req.Token)
	if err := validateRequest(req); err != nil {
		return s.outcome("reset", err)
	}
	if err := s.resets.Consume(context.WithoutCancel(ctx), req.Token, req.Password); err != nil {
		return s.outcome("reset", err)
	}
	s.log.Info().Msg("password reset completed")
	s.outcome("reset", nil)
	return nil
}

func (s *AuthService) Profile(ctx context.Context, userID string) (*model.ProfileResponse, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, errUserNotFound()
		}
		return nil, internal("find user", err)
	}
	return &model.ProfileResponse{
		Profile: model.ProfileInfo{ID: user.ID, Name: user.Name, Email: user.Email},
		Account: model.AccountInfo{
			Role:        user.Role,
			Permissions: user.Permissions,
			CreatedAt:   user.CreatedAt,
			LastLoginAt: user.LastLoginAt,
		},
		APIAccess: model.APIAccess{TokenType: "Bearer", RateLimits: s.quotas},
	}, nil
}

// Authenticate verifies an access token and returns the identity it carries.
func (s *AuthService) Authenticate(token string) (*model.AuthUser, error) {
	claims, err := s.tokens.VerifyAccess(token)
	if err != nil {
		return nil, accessError(err)
	}
	return &model.AuthUser{
		ID:          claims.UserID,
		Email:       claims.Email,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}

// dummyPasswordHash is verified against when the email is unknown so that the
// response time does not reveal whether the account exists. It is created on
// first use; a failed attempt is retried by the next caller.
func (s *AuthService) dummyPasswordHash(ctx context.Context) (string, error) {
	s.dummyMu.Lock()
	defer s.dummyMu.Unlock()
	if s.dummyHash != "" {
		return s.dummyHash, nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash(ctx, "Dummy1"+hex.EncodeToString(raw))
	if err != nil {
		return "", err
	}
	s.dummyHash = hash
	return hash, nil
}

func (s *AuthService) outcome(flow string, err error) error {
	code := "ok"
	if err != nil {
		code = ErrorCode(err)
	}
	metrics.AuthOutcomes.WithLabelValues(flow, code).Inc()
	return err
}

// refreshError maps a verification failure to the refresh flow's codes.
// A fresh error is built because the oops code of a chain is its innermost.
func refreshError(err error) error {
	switch ErrorCode(err) {
	case CodeTokenExpired:
		return oops.Code(CodeTokenExpired).Errorf("refresh token expired")
	case CodeTokenWrongType:
		return oops.Code(CodeInvalidTokenType).Errorf("token is not a refresh token")
	default:
		return oops.Code(CodeInvalidRefreshToken).Errorf("invalid refresh token")
	}
}

func accessError(err error) error {
	switch ErrorCode(err) {
	case CodeTokenExpired:
		return oops.Code(CodeTokenExpired).Errorf("access token expired")
	case CodeTokenWrongType:
		return oops.Code(CodeInvalidTokenType).Errorf("token is not an access token")
	default:
		return oops.Code(CodeInvalidToken).Errorf("invalid access token")
	}
}

func errInvalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Errorf("invalid email or password")
}

func errUserExists() error {
	return oops.Code(CodeUserExists).Errorf("an account with this email already exists")
}

func errUserNotFound() error {
	return oops.Code(CodeUserNotFound).Errorf("user not found")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
