// Package stream owns live client connections and runs one detection
// session per connection.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var ErrConnectionLimitExceeded = errors.New("connection limit exceeded")

// Connection is one accepted client. It is alive from Accept until Remove.
type Connection struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Transport Transport

	alive atomic.Bool
}

func (c *Connection) Alive() bool {
	return c.alive.Load()
}

// Manager tracks the active connection set. A limit of zero means no cap.
type Manager struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*Connection
	limit  int
	closed bool

	accepted atomic.Int64
	rejected atomic.Int64
}

type ManagerStats struct {
	Active   int   `json:"active_connections"`
	Accepted int64 `json:"total_accepted"`
	Rejected int64 `json:"total_rejected"`
	Limit    int   `json:"max_connections"`
}

func NewManager(limit int) *Manager {
	return &Manager{
		conns: make(map[uuid.UUID]*Connection),
		limit: limit,
	}
}

// Accept registers t as a new live connection.
func (m *Manager) Accept(t Transport) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("connection manager is shut down")
	}
	if m.limit > 0 && len(m.conns) >= m.limit {
		m.rejected.Add(1)
		return nil, ErrConnectionLimitExceeded
	}

	c := &Connection{ID: uuid.New(), CreatedAt: time.Now(), Transport: t}
	c.alive.Store(true)
	m.conns[c.ID] = c
	m.accepted.Add(1)
	return c, nil
}

// Remove drops c from the active set. It reports whether c was still
// registered; removing twice is a no-op.
func (m *Manager) Remove(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[c.ID]; !ok {
		return false
	}
	delete(m.conns, c.ID)
	c.alive.Store(false)
	return true
}

// Count is the number of active connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Active:   m.Count(),
		Accepted: m.accepted.Load(),
		Rejected: m.rejected.Load(),
		Limit:    m.limit,
	}
}

// CloseAll refuses new connections, removes every live connection and then
// closes its transport. Results still in flight for those connections are
// dropped by their sessions.
func (m *Manager) CloseAll(reason string) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for id, c := range m.conns {
		delete(m.conns, id)
		c.alive.Store(false)
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Transport.Close(reason))
	}
	return err
}
