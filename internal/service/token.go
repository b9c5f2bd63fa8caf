package service

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/credgate/backend/internal/model"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the claim set of both access and refresh tokens. Refresh tokens
// carry only UserID and Type besides the registered claims.
type Claims struct {
	UserID      string     `json:"userId"`
	Email       string     `json:"email,omitempty"`
	Role        model.Role `json:"role,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	Type        TokenType  `json:"type"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// TokenSigner issues and verifies HS256 tokens. It keeps no per-token state,
// so an issued token stays valid until it expires.
type TokenSigner struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenSigner(cfg TokenConfig) (*TokenSigner, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("token secret is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenSigner{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        now,
	}, nil
}

func (s *TokenSigner) AccessTTL() time.Duration  { return s.accessTTL }
func (s *TokenSigner) RefreshTTL() time.Duration { return s.refreshTTL }

func (s *TokenSigner) IssueAccess(user *model.User) (string, time.Time, error) {
	return s.issue(Claims{
		UserID:      user.ID,
		Email:       user.Email,
		Role:        user.Role,
		Permissions: user.Permissions,
		Type:        TokenTypeAccess,
	}, s.accessTTL)
}

func (s *TokenSigner) IssueRefresh(user *model.User) (string, time.Time, error) {
	return s.issue(Claims{
		UserID: user.ID,
		Type:   TokenTypeRefresh,
	}, s.refreshTTL)
}

// IssuePair mints a fresh access and refresh token for user.
func (s *TokenSigner) IssuePair(user *model.User) (model.TokenPair, error) {
	access, accessExp, err := s.IssueAccess(user)
	if err != nil {
		return model.TokenPair{}, err
	}
	refresh, refreshExp, err := s.IssueRefresh(user)
	if err != nil {
		return model.TokenPair{}, err
	}
	return model.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		ExpiresIn:        int64(s.accessTTL.Seconds()),
		RefreshExpiresIn: int64(s.refreshTTL.Seconds()),
	}, nil
}

func (s *TokenSigner) issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   claims.UserID,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, oops.Code(CodeInternal).With("operation", "sign token").Wrap(err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

func (s *TokenSigner) VerifyAccess(token string) (*Claims, error) {
	return s.verify(token, TokenTypeAccess)
}

func (s *TokenSigner) VerifyRefresh(token string) (*Claims, error) {
	return s.verify(token, TokenTypeRefresh)
}

// verify checks the signature first and then the claims against the injected
// clock. jwt's own time validation is disabled so that expiry is decided by
// s.now alone.
func (s *TokenSigner) verify(token string, want TokenType) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, oops.Code(CodeTokenMalformed).Errorf("token is empty")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, oops.Code(CodeTokenBadSignature).Errorf("token signature is invalid")
		default:
			return nil, oops.Code(CodeTokenMalformed).Errorf("token is malformed")
		}
	}

	if err := s.validateClaims(claims, want); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *TokenSigner) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	return s.secret, nil
}

func (s *TokenSigner) validateClaims(claims *Claims, want TokenType) error {
	if claims.Issuer != s.issuer {
		return oops.Code(CodeTokenMalformed).With("issuer", claims.Issuer).Errorf("unexpected issuer")
	}
	if !slices.Contains(claims.Audience, s.audience) {
		return oops.Code(CodeTokenMalformed).Errorf("unexpected audience")
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return oops.Code(CodeTokenMalformed).Errorf("userId claim missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return oops.Code(CodeTokenMalformed).Errorf("timestamps missing")
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return oops.Code(CodeTokenExpired).
			With("expired_at", claims.ExpiresAt.Time).
			Errorf("token expired")
	}
	if claims.Type != want {
		return oops.Code(CodeTokenWrongType).
			With("want", string(want)).
			With("got", string(claims.Type)).
			Errorf("wrong token type")
	}
	return nil
}
