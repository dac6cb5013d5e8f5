package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a Store kept entirely in memory. It backs the package
// tests and small single-process deployments; a single mutex gives it the
// same linearized claim semantics the postgres store gets from
// transactions.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	users   map[string]*User
	entries map[string]*Entry
	claims  map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   map[string]*User{},
		entries: map[string]*Entry{},
		claims:  map[string]struct{}{},
	}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.Username]; ok {
		return ErrDuplicateUser
	}
	m.nextID++
	u.ID = m.nextID
	u.CreatedAt = time.Now().UTC()
	clone := *u
	m.users[u.Username] = &clone
	return nil
}

func (m *MemoryStore) UserByName(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userLocked(username)
}

func (m *MemoryStore) userLocked(username string) (*User, error) {
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *u
	return &clone, nil
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, *u)
	}
	return users, nil
}

func (m *MemoryStore) ApplySettlement(ctx context.Context, s Settlement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, claimed := m.claims[s.ClaimID]; claimed {
		return false, nil
	}
	u, ok := m.users[s.Entry.Username]
	if !ok {
		return false, ErrUserNotFound
	}
	if _, dup := m.entries[s.Entry.Identifier]; dup {
		return false, ErrDuplicateEntry
	}

	m.claims[s.ClaimID] = struct{}{}
	m.nextID++
	entry := s.Entry
	entry.ID = m.nextID
	entry.Received = true
	entry.CreatedAt = time.Now().UTC()
	m.entries[entry.Identifier] = &entry
	u.Balance += s.BalanceDelta
	u.ChannelBalance += s.ChannelDelta
	return true, nil
}

func (m *MemoryStore) CreateEntry(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.Identifier]; ok {
		return ErrDuplicateEntry
	}
	if _, ok := m.users[e.Username]; !ok {
		return ErrUserNotFound
	}
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = time.Now().UTC()
	clone := *e
	m.entries[e.Identifier] = &clone
	return nil
}

func (m *MemoryStore) SettleInvoice(ctx context.Context, identifier string, amount int64) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[identifier]
	if !ok || entry.Received {
		return nil, false, nil
	}
	u, ok := m.users[entry.Username]
	if !ok {
		return nil, false, ErrUserNotFound
	}

	entry.Received = true
	entry.Amount = amount
	u.ChannelBalance += amount
	clone := *entry
	return &clone, true, nil
}

func (m *MemoryStore) EntryByIdentifier(ctx context.Context, identifier string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[identifier]
	if !ok {
		return nil, ErrEntryNotFound
	}
	clone := *entry
	return &clone, nil
}

func (m *MemoryStore) ShiftBalance(ctx context.Context, username string, balanceDelta, channelDelta int64, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Balance += balanceDelta
	u.ChannelBalance += channelDelta
	if channel != "" {
		u.Channel = channel
	}
	return nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, e := range m.entries {
		if e.Username == username && e.Received {
			sum += e.Amount
		}
	}
	return sum, nil
}
