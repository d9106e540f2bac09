package authpw

import (
	"context"
	"errors"
	"testing"

	"clinic/server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users map[string]store.User
	err   error
}

func (m *mockUserStore) FindUserByEmail(ctx context.Context, email string) (store.User, error) {
	if m.err != nil {
		return store.User{}, m.err
	}
	if user, ok := m.users[email]; ok {
		return user, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) FindUserByID(ctx context.Context, id int64) (store.User, error) {
	if m.err != nil {
		return store.User{}, m.err
	}
	for _, user := range m.users {
		if user.ID == id {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func newTestService(t *testing.T, users ...store.User) *Service {
	t.Helper()
	m := &mockUserStore{users: map[string]store.User{}}
	for _, user := range users {
		m.users[user.Email] = user
	}
	s := NewService(m)
	s.cost = bcrypt.MinCost
	return s
}

func hashed(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestVerifyCredentials(t *testing.T) {
	active := store.User{ID: 1, Email: "doc@clinic.test", PasswordHash: hashed(t, "correct-horse"), RoleID: 2, Active: true}
	inactive := store.User{ID: 2, Email: "gone@clinic.test", PasswordHash: hashed(t, "correct-horse"), RoleID: 2, Active: false}
	s := newTestService(t, active, inactive)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
		wantID   int64
		wantErr  error
	}{
		{name: "valid", email: "doc@clinic.test", password: "correct-horse", wantID: 1},
		{name: "trims email", email: "  doc@clinic.test ", password: "correct-horse", wantID: 1},
		{name: "wrong password", email: "doc@clinic.test", password: "battery-staple", wantErr: ErrInvalidCredentials},
		{name: "unknown user", email: "who@clinic.test", password: "correct-horse", wantErr: ErrInvalidCredentials},
		{name: "inactive user", email: "gone@clinic.test", password: "correct-horse", wantErr: ErrInvalidCredentials},
		{name: "empty password", email: "doc@clinic.test", password: "", wantErr: ErrInvalidCredentials},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user, err := s.VerifyCredentials(ctx, tc.email, tc.password)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, user.ID)
		})
	}
}

func TestVerifyCredentialsPropagatesStoreFailure(t *testing.T) {
	s := NewService(&mockUserStore{err: errors.New("connection refused")})
	_, err := s.VerifyCredentials(context.Background(), "doc@clinic.test", "correct-horse")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestIsRegisteredEmail(t *testing.T) {
	s := newTestService(t, store.User{ID: 1, Email: "doc@clinic.test"})

	ok, err := s.IsRegisteredEmail(context.Background(), "doc@clinic.test")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsRegisteredEmail(context.Background(), "nobody@clinic.test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPassword(t *testing.T) {
	s := newTestService(t)

	_, err := s.HashPassword("short")
	assert.Error(t, err)

	hash, err := s.HashPassword("long-enough-password")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("long-enough-password")))
}

func TestFindUserLookups(t *testing.T) {
	s := newTestService(t, store.User{ID: 7, Email: "pat@clinic.test"})
	ctx := context.Background()

	user, err := s.FindUserByEmail(ctx, " pat@clinic.test ")
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)

	user, err = s.FindUserByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "pat@clinic.test", user.Email)

	_, err = s.FindUserByID(ctx, 8)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
