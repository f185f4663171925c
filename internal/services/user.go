package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jjudge-oj/authserver/internal/store"
	"github.com/jjudge-oj/authserver/types"
)

// ErrInvalidCredentials is returned for an unknown username and for a wrong
// password alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserRepository defines persistence operations for users.
type UserRepository interface {
	List(ctx context.Context) ([]types.User, error)
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByUsername(ctx context.Context, username string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
}

// PasswordHasher hashes new passwords and checks candidates against digests.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) (bool, error)
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo   UserRepository
	hasher PasswordHasher

	decoyOnce sync.Once
	decoyHash string
}

func NewUserService(repo UserRepository, hasher PasswordHasher) *UserService {
	return &UserService{repo: repo, hasher: hasher}
}

// Register hashes the password and stores a new user with the default role.
// A taken username surfaces as store.ErrConflict.
func (s *UserService) Register(ctx context.Context, username, password, email string) (types.User, error) {
	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return types.User{}, err
	}

	return s.repo.Create(ctx, types.User{
		Username:     username,
		Email:        email,
		Role:         types.DefaultRole,
		PasswordHash: hashed,
	})
}

// Authenticate returns the user whose credentials match.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (types.User, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.compareDecoy(password)
			return types.User{}, ErrInvalidCredentials
		}
		return types.User{}, err
	}

	ok, err := s.hasher.Compare(user.PasswordHash, password)
	if err != nil {
		return types.User{}, fmt.Errorf("user %d: %w", user.ID, err)
	}
	if !ok {
		return types.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// compareDecoy spends one hash comparison so unknown usernames take as long
// to reject as wrong passwords.
func (s *UserService) compareDecoy(password string) {
	s.decoyOnce.Do(func() {
		s.decoyHash, _ = s.hasher.Hash("decoy-password")
	})
	_, _ = s.hasher.Compare(s.decoyHash, password)
}

func (s *UserService) List(ctx context.Context) ([]types.User, error) {
	return s.repo.List(ctx)
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}
