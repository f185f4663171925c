package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jjudge-oj/authserver/types"
)

// MemoryUserRepository is an in-process UserRepository with the same
// uniqueness and not-found semantics as the SQL one.
type MemoryUserRepository struct {
	mu         sync.Mutex
	nextID     int
	users      []types.User
	byUsername map[string]int
	err        error
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		nextID:     1,
		byUsername: make(map[string]int),
	}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (r *MemoryUserRepository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *MemoryUserRepository) List(ctx context.Context) ([]types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]types.User, len(r.users))
	copy(out, r.users)
	return out, nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.User{}, r.err
	}
	for _, u := range r.users {
		if u.ID == id {
			return u, nil
		}
	}
	return types.User{}, ErrNotFound
}

func (r *MemoryUserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.User{}, r.err
	}
	idx, ok := r.byUsername[username]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return r.users[idx], nil
}

func (r *MemoryUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.User{}, r.err
	}
	if _, exists := r.byUsername[user.Username]; exists {
		return types.User{}, fmt.Errorf("create user %q: %w", user.Username, ErrConflict)
	}

	now := time.Now().UTC()
	user.ID = r.nextID
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Role == "" {
		user.Role = types.DefaultRole
	}
	r.nextID++
	r.byUsername[user.Username] = len(r.users)
	r.users = append(r.users, user)
	return user, nil
}

// Count returns how many stored users have the given username.
func (r *MemoryUserRepository) Count(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.users {
		if u.Username == username {
			n++
		}
	}
	return n
}
