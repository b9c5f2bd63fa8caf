package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credgate/backend/internal/config"
	"github.com/credgate/backend/internal/model"
)

var userCols = []string{"id", "name", "email", "password_hash", "role", "permissions", "created_at", "last_login_at"}

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)
	return NewPostgres(mock), mock
}

func TestPostgresFindByEmail(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lastLogin := created.Add(time.Hour)

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		want      *model.User
		wantErr   error
	}{
		{
			name: "found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT (.+) FROM users WHERE email = \$1`).
					WithArgs("alice@example.com").
					WillReturnRows(pgxmock.NewRows(userCols).AddRow(
						"u1", "Alice", "alice@example.com", "hash", "user",
						[]string{"read", "write"}, created, &lastLogin,
					))
			},
			want: &model.User{
				ID:           "u1",
				Name:         "Alice",
				Email:        "alice@example.com",
				PasswordHash: "hash",
				Role:         model.RoleUser,
				Permissions:  []string{"read", "write"},
				CreatedAt:    created,
				LastLoginAt:  &lastLogin,
			},
		},
		{
			name: "not found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT (.+) FROM users WHERE email = \$1`).
					WithArgs("alice@example.com").
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: model.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tt.setupMock(mock)

			got, err := store.FindByEmail(context.Background(), "alice@example.com")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestPostgresFindByIDDatabaseError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnError(errors.New("connection refused"))

	_, err := store.FindByID(context.Background(), "u1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreate(t *testing.T) {
	user := &model.User{
		ID:           "u1",
		Name:         "Alice",
		Email:        "alice@example.com",
		PasswordHash: "hash",
		Role:         model.RoleUser,
		Permissions:  []string{"read"},
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "inserted"},
		{name: "duplicate email", err: &pgconn.PgError{Code: "23505"}, wantErr: model.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			exp := mock.ExpectExec(`INSERT INTO users`).
				WithArgs(user.ID, user.Name, user.Email, user.PasswordHash, "user", user.Permissions, user.CreatedAt)
			if tt.err != nil {
				exp.WillReturnError(tt.err)
			} else {
				exp.WillReturnResult(pgxmock.NewResult("INSERT", 1))
			}

			err := store.Create(context.Background(), user)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresUpdates(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("password updated", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE users`).
			WithArgs("u1", "newhash").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		require.NoError(t, store.UpdatePassword(context.Background(), "u1", "newhash"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("password user missing", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE users`).
			WithArgs("u1", "newhash").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		require.ErrorIs(t, store.UpdatePassword(context.Background(), "u1", "newhash"), model.ErrNotFound)
	})

	t.Run("last login", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE users SET last_login_at`).
			WithArgs("u1", at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		require.NoError(t, store.UpdateLastLogin(context.Background(), "u1", at))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresEnsureAuthSchema(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS users_role_idx`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureAuthSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildPostgresURL(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.PostgresConfig
		want    string
		wantErr bool
	}{
		{
			name: "database url wins",
			cfg:  config.PostgresConfig{DatabaseURL: "postgres://x@db/app", User: "ignored"},
			want: "postgres://x@db/app",
		},
		{
			name: "from parts",
			cfg:  config.PostgresConfig{User: "app", Password: "s3cret", Database: "auth", Host: "db", Port: "6543"},
			want: "postgres://app:s3cret@db:6543/auth?sslmode=disable",
		},
		{
			name: "defaults host and port",
			cfg:  config.PostgresConfig{User: "app", Database: "auth", SSLMode: "require"},
			want: "postgres://app@localhost:5432/auth?sslmode=require",
		},
		{
			name:    "missing user",
			cfg:     config.PostgresConfig{Database: "auth"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildPostgresURL(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
