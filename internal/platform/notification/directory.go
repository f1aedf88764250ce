package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/medibook/internal/platform/db"
)

var ErrContactNotFound = errors.New("contact not found")

// Contact holds the off-band addresses of a user. Empty fields mean the
// user cannot be reached on that channel.
type Contact struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// Directory resolves user ids to contacts.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Contact, error)
}

// MemoryDirectory is a Directory over a map.
type MemoryDirectory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

func NewMemoryDirectory(contacts ...Contact) *MemoryDirectory {
	d := &MemoryDirectory{contacts: make(map[string]Contact)}
	for _, c := range contacts {
		d.contacts[c.UserID] = c
	}
	return d
}

func (d *MemoryDirectory) Put(c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.UserID] = c
}

func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[userID]
	if !ok {
		return Contact{}, ErrContactNotFound
	}
	return c, nil
}

type directoryPG struct{ pool *pgxpool.Pool }

// NewDirectoryPG returns a Directory over the contact table.
func NewDirectoryPG(pool *pgxpool.Pool) Directory { return &directoryPG{pool: pool} }

func (d *directoryPG) Lookup(ctx context.Context, userID string) (Contact, error) {
	c := Contact{UserID: userID}
	err := db.Conn(ctx, d.pool).QueryRow(ctx,
		`SELECT COALESCE(email, ''), COALESCE(phone, '') FROM contact WHERE user_id = $1`, userID).
		Scan(&c.Email, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrContactNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("lookup contact %s: %w", userID, err)
	}
	return c, nil
}
