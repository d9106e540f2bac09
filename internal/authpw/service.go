// Package authpw verifies email/password credentials against the identity store.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"clinic/server/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials covers unknown users, wrong passwords and inactive
// accounts alike so callers cannot tell them apart.
var ErrInvalidCredentials = errors.New("invalid user or password")

const MinPasswordLength = 8

// UserStore defines the storage interface for auth
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (store.User, error)
	FindUserByID(ctx context.Context, id int64) (store.User, error)
}

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// VerifyCredentials returns the user when the password matches its stored hash.
func (s *Service) VerifyCredentials(ctx context.Context, email, password string) (store.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.FindUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a comparison anyway so response timing does not reveal the account.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if !user.Active {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// FindUserByEmail and FindUserByID expose the account lookups so the service
// can stand in as the whole identity repository.
func (s *Service) FindUserByEmail(ctx context.Context, email string) (store.User, error) {
	return s.store.FindUserByEmail(ctx, strings.TrimSpace(email))
}

func (s *Service) FindUserByID(ctx context.Context, id int64) (store.User, error) {
	return s.store.FindUserByID(ctx, id)
}

// IsRegisteredEmail reports whether an account exists for email.
func (s *Service) IsRegisteredEmail(ctx context.Context, email string) (bool, error) {
	_, err := s.store.FindUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	return true, nil
}

// HashPassword produces the bcrypt hash stored in users.password_hash.
func (s *Service) HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("clinic-dummy-password"), bcrypt.DefaultCost)
	return hash
})
