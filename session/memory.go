package session

import (
	"context"
	"strconv"
	"sync"
)

// MemoryStore is an in-process Store. A single mutex makes every
// operation atomic, which gives the same per-key guarantees as Redis for
// a single gateway instance.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]Fields
	connections map[string]Fields
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]Fields),
		connections: make(map[string]Fields),
	}
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return DecodeSession(f)
}

func (m *MemoryStore) PutSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = s.Fields()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, id string, u Update) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[id]
	if !ok {
		return nil, ErrConditionFailed
	}
	for _, name := range u.IfAbsent {
		if _, set := cur[name]; set {
			return nil, ErrConditionFailed
		}
	}

	next := cur.clone()
	for k, v := range u.Set {
		next[k] = v
	}
	for k, delta := range u.Add {
		n, _ := strconv.ParseInt(next[k], 10, 64)
		next[k] = strconv.FormatInt(n+delta, 10)
	}
	for _, k := range u.Remove {
		delete(next, k)
	}
	// Decode before committing so a corrupt write leaves the record untouched.
	decoded, err := DecodeSession(next)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = next

	if u.Return == ReturnOld {
		return DecodeSession(cur)
	}
	return decoded, nil
}

func (m *MemoryStore) GetConnection(_ context.Context, id string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	return DecodeConnection(f), nil
}

func (m *MemoryStore) PutConnection(_ context.Context, c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections[c.ID] = c.Fields()
	return nil
}

func (m *MemoryStore) PutConnectionIfExists(_ context.Context, c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[c.ID]; !ok {
		return ErrConditionFailed
	}
	m.connections[c.ID] = c.Fields()
	return nil
}

func (m *MemoryStore) SetConnectionTicket(_ context.Context, id, ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.connections[id]
	if !ok {
		return ErrConditionFailed
	}
	if _, claimed := f[FieldSessionID]; claimed {
		return ErrConditionFailed
	}
	next := f.clone()
	next[FieldTicketID] = ticketID
	m.connections[id] = next
	return nil
}

func (m *MemoryStore) DeleteConnection(_ context.Context, id string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.connections[id]
	if !ok {
		return nil, nil
	}
	delete(m.connections, id)
	return DecodeConnection(f), nil
}

// TouchConnection is a no-op; memory records do not expire.
func (m *MemoryStore) TouchConnection(context.Context, string) error {
	return nil
}

// SessionCount returns the number of live sessions.
func (m *MemoryStore) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
