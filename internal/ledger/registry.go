package ledger

import (
	"context"
	"sync"
)

// Registry is the in-memory deposit-address index, a read-mostly cache in
// front of the store. Watchers resolve output addresses through it on
// every transaction; writes happen only at registration.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]string
}

func NewRegistry() *Registry {
	return &Registry{owners: map[string]string{}}
}

// Rebuild loads every user's deposit address from the store. Called once
// at startup; the store stays the authority.
func (r *Registry) Rebuild(ctx context.Context, store Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = make(map[string]string, len(users))
	for _, u := range users {
		if u.Address != "" {
			r.owners[u.Address] = u.Username
		}
	}
	return nil
}

func (r *Registry) Add(address, username string) {
	r.mu.Lock()
	r.owners[address] = username
	r.mu.Unlock()
}

// Owner resolves a deposit address to its owning username.
func (r *Registry) Owner(address string) (string, bool) {
	r.mu.RLock()
	username, ok := r.owners[address]
	r.mu.RUnlock()
	return username, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
