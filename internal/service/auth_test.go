package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/credgate/backend/internal/model"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.ResetMessage
	err  error
}

func (n *recordingNotifier) SendReset(_ context.Context, msg model.ResetMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) last(t *testing.T) model.ResetMessage {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent)
	return n.sent[len(n.sent)-1]
}

type authFixture struct {
	clock    *fakeClock
	users    *fakeUserStore
	resets   *MemoryResetStore
	notifier *recordingNotifier
	svc      *AuthService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	return newAuthFixtureWithHasher(t, newTestHasher(t))
}

func newAuthFixtureWithHasher(t *testing.T, hasher PasswordHasher) *authFixture {
	t.Helper()
	clock := newFakeClock()
	users := newFakeUserStore()
	signer := newTestSigner(t, clock)
	store := NewMemoryResetStore(clock.Now)
	resets := NewResetService(store, users, hasher, ResetConfig{Now: clock.Now}, zerolog.Nop())
	notifier := &recordingNotifier{}

	svc, err := NewAuthService(AuthDeps{
		Users:    users,
		Hasher:   hasher,
		Tokens:   signer,
		Resets:   resets,
		Notifier: notifier,
		Quotas:   NewLimiter(brokenCounter{}, nil, nil).Quotas(),
		Now:      clock.Now,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return &authFixture{clock: clock, users: users, resets: store, notifier: notifier, svc: svc}
}

func (f *authFixture) register(t *testing.T, email, password string) *Session {
	t.Helper()
	sess, err := f.svc.Register(context.Background(), model.RegisterRequest{
		Name:            "Alice",
		Email:           email,
		Password:        password,
		ConfirmPassword: password,
	})
	require.NoError(t, err)
	return sess
}

func TestNewAuthServiceRequiresDeps(t *testing.T) {
	_, err := NewAuthService(AuthDeps{})
	require.ErrorIs(t, err, ErrMisconfigured)
}

func TestRegisterLoginRefreshProfile(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	reg := f.register(t, "alice@example.com", "Passw0rd!1")
	assert.NotEmpty(t, reg.Tokens.AccessToken)
	assert.NotEmpty(t, reg.Tokens.RefreshToken)
	assert.Equal(t, model.RoleUser, reg.User.Role)
	assert.Equal(t, []string{"read", "write"}, reg.User.Permissions)
	assert.NotEqual(t, "Passw0rd!1", reg.User.PasswordHash)

	login, err := f.svc.Login(ctx, model.LoginRequest{Email: "alice@example.com", Password: "Passw0rd!1"})
	require.NoError(t, err)
	require.NotNil(t, login.User.LastLoginAt)
	assert.Equal(t, f.clock.Now(), *login.User.LastLoginAt)

	refreshed, err := f.svc.Refresh(ctx, model.RefreshRequest{RefreshToken: login.Tokens.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, login.Tokens.AccessToken, refreshed.Tokens.AccessToken)

	who, err := f.svc.Authenticate(refreshed.Tokens.AccessToken)
	require.NoError(t, err)

	profile, err := f.svc.Profile(ctx, who.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", profile.Profile.Email)
	assert.Equal(t, "Bearer", profile.APIAccess.TokenType)
	assert.Equal(t, 5, profile.APIAccess.RateLimits["auth"].Max)
	require.NotNil(t, profile.Account.LastLoginAt)
}

func TestRegisterNormalizesAndRejectsDuplicates(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "  Alice@Example.COM ", "Passw0rd!1")
	assert.Equal(t, "alice@example.com", reg.User.Email)

	_, err := f.svc.Register(context.Background(), model.RegisterRequest{
		Name:            "Alice Again",
		Email:           "ALICE@example.com",
		Password:        "Passw0rd!2",
		ConfirmPassword: "Passw0rd!2",
	})
	require.Error(t, err)
	assert.Equal(t, CodeUserExists, ErrorCode(err))
}

func TestRegisterValidationAndStoreFailure(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.svc.Register(context.Background(), model.RegisterRequest{
		Name: "A", Email: "nope", Password: "short", ConfirmPassword: "other",
	})
	require.Error(t, err)
	assert.Equal(t, CodeValidation, ErrorCode(err))
	assert.Len(t, ValidationFields(err), 4)

	f.users.failCreate = errStoreDown
	_, err = f.svc.Register(context.Background(), model.RegisterRequest{
		Name: "Bob", Email: "bob@example.com", Password: "Passw0rd!1", ConfirmPassword: "Passw0rd!1",
	})
	require.Error(t, err)
	assert.Equal(t, CodeInternal, ErrorCode(err))
	assert.NotContains(t, err.Error(), "password")
}

func TestLoginDoesNotRevealAccountExistence(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "alice@example.com", "Passw0rd!1")
	ctx := context.Background()

	_, wrongPw := f.svc.Login(ctx, model.LoginRequest{Email: "alice@example.com", Password: "Wrong0ne!"})
	_, unknown := f.svc.Login(ctx, model.LoginRequest{Email: "bob@example.com", Password: "Wrong0ne!"})

	require.Error(t, wrongPw)
	require.Error(t, unknown)
	assert.Equal(t, CodeInvalidCredentials, ErrorCode(wrongPw))
	assert.Equal(t, ErrorCode(wrongPw), ErrorCode(unknown))
	assert.Equal(t, wrongPw.Error(), unknown.Error())
	assert.NotEmpty(t, f.svc.dummyHash)
}

func TestLoginReportsHashPoolTimeoutAsInternal(t *testing.T) {
	h, err := NewBcryptHasher(bcrypt.MinCost, 1)
	require.NoError(t, err)
	f := newAuthFixtureWithHasher(t, h)
	f.register(t, "alice@example.com", "Passw0rd!1")

	// Creates the dummy hash while a worker is still free.
	_, err = f.svc.Login(context.Background(), model.LoginRequest{Email: "bob@example.com", Password: "Passw0rd!1"})
	require.Equal(t, CodeInvalidCredentials, ErrorCode(err))

	require.NoError(t, h.workers.Acquire(context.Background(), 1))
	defer h.workers.Release(1)

	tests := []struct {
		name  string
		email string
	}{
		{name: "known account", email: "alice@example.com"},
		{name: "unknown account", email: "bob@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			_, err := f.svc.Login(ctx, model.LoginRequest{Email: tt.email, Password: "Passw0rd!1"})
			require.Error(t, err)
			assert.Equal(t, CodeInternal, ErrorCode(err))
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestLoginSucceedsWhenLastLoginWriteFails(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "alice@example.com", "Passw0rd!1")
	f.users.failLastLogin = errStoreDown

	sess, err := f.svc.Login(context.Background(), model.LoginRequest{Email: "alice@example.com", Password: "Passw0rd!1"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Tokens.AccessToken)
}

func TestRefreshErrors(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "alice@example.com", "Passw0rd!1")
	ctx := context.Background()

	_, err := f.svc.Refresh(ctx, model.RefreshRequest{RefreshToken: reg.Tokens.AccessToken})
	assert.Equal(t, CodeInvalidTokenType, ErrorCode(err))

	_, err = f.svc.Refresh(ctx, model.RefreshRequest{RefreshToken: "garbage"})
	assert.Equal(t, CodeInvalidRefreshToken, ErrorCode(err))

	_, err = f.svc.Refresh(ctx, model.RefreshRequest{})
	assert.Equal(t, CodeValidation, ErrorCode(err))

	f.users.delete(reg.User.ID)
	_, err = f.svc.Refresh(ctx, model.RefreshRequest{RefreshToken: reg.Tokens.RefreshToken})
	assert.Equal(t, CodeUserNotFound, ErrorCode(err))

	f.clock.Advance(15 * 24 * time.Hour)
	_, err = f.svc.Refresh(ctx, model.RefreshRequest{RefreshToken: reg.Tokens.RefreshToken})
	assert.Equal(t, CodeTokenExpired, ErrorCode(err))
}

func TestAuthenticateErrors(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "alice@example.com", "Passw0rd!1")

	_, err := f.svc.Authenticate(reg.Tokens.RefreshToken)
	assert.Equal(t, CodeInvalidTokenType, ErrorCode(err))

	_, err = f.svc.Authenticate("x.y.z")
	assert.Equal(t, CodeInvalidToken, ErrorCode(err))

	f.clock.Advance(13 * time.Hour)
	_, err = f.svc.Authenticate(reg.Tokens.AccessToken)
	assert.Equal(t, CodeTokenExpired, ErrorCode(err))
}

func TestForgotResetLogin(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "alice@example.com", "Passw0rd!1")
	ctx := context.Background()

	require.NoError(t, f.svc.ForgotPassword(ctx, model.ForgotPasswordRequest{Email: "Alice@example.com"}))
	msg := f.notifier.last(t)
	assert.Equal(t, "alice@example.com", msg.Email)
	assert.Equal(t, f.clock.Now().Add(DefaultResetTTL), msg.ExpiresAt)

	require.NoError(t, f.svc.ResetPassword(ctx, model.ResetPasswordRequest{Token: msg.Token, Password: "NewPassw0rd!"}))

	_, err := f.svc.Login(ctx, model.LoginRequest{Email: "alice@example.com", Password: "Passw0rd!1"})
	assert.Equal(t, CodeInvalidCredentials, ErrorCode(err))

	_, err = f.svc.Login(ctx, model.LoginRequest{Email: "alice@example.com", Password: "NewPassw0rd!"})
	require.NoError(t, err)

	err = f.svc.ResetPassword(ctx, model.ResetPasswordRequest{Token: msg.Token, Password: "Another0ne!"})
	assert.Equal(t, CodeInvalidOrExpiredReset, ErrorCode(err))
}

func TestForgotPasswordUnknownEmailLooksTheSame(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "alice@example.com", "Passw0rd!1")
	ctx := context.Background()

	require.NoError(t, f.svc.ForgotPassword(ctx, model.ForgotPasswordRequest{Email: "ghost@example.com"}))
	assert.Empty(t, f.notifier.sent)
	assert.Equal(t, 0, f.resets.Len())

	f.notifier.err = errStoreDown
	require.NoError(t, f.svc.ForgotPassword(ctx, model.ForgotPasswordRequest{Email: "alice@example.com"}))
	assert.Equal(t, 1, f.resets.Len())

	require.NoError(t, f.svc.ForgotPassword(ctx, model.ForgotPasswordRequest{Email: "not-an-email"}))
	require.NoError(t, f.svc.ForgotPassword(ctx, model.ForgotPasswordRequest{}))
	assert.Equal(t, 1, f.resets.Len())
}

func TestResetPasswordValidatesNewPassword(t *testing.T) {
	f := newAuthFixture(t)
	err := f.svc.ResetPassword(context.Background(), model.ResetPasswordRequest{Token: "abc", Password: "weak"})
	assert.Equal(t, CodeValidation, ErrorCode(err))
}

func TestProfileUserGone(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.svc.Profile(context.Background(), "missing")
	assert.Equal(t, CodeUserNotFound, ErrorCode(err))
}

func TestEnsureAdmin(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.EnsureAdmin(ctx, "Admin@Example.com", "AdminPassw0rd"))
	admin, err := f.users.FindByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, admin.Role)
	assert.Contains(t, admin.Permissions, model.PermissionAdmin)

	require.NoError(t, f.svc.EnsureAdmin(ctx, "admin@example.com", "Different0ne"))
	again, err := f.users.FindByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, admin.PasswordHash, again.PasswordHash)

	require.ErrorIs(t, f.svc.EnsureAdmin(ctx, "", ""), ErrMisconfigured)
	require.ErrorIs(t, f.svc.EnsureAdmin(ctx, "root@example.com", "weak"), ErrMisconfigured)
}
