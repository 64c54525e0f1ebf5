package postgres

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/playersync/internal/bans"
)

// DefaultBanTimeout bounds each ban table statement.
const DefaultBanTimeout = 5 * time.Second

// BanStore is a bans.List backed by the bans table. Lookups are served from
// an in-memory copy loaded at construction; changes are written through.
type BanStore struct {
	db      *pgxpool.Pool
	timeout time.Duration

	mu    sync.RWMutex
	addrs map[string]struct{}
}

// NewBanStore creates a BanStore and loads every ban from the database.
//
// Precondition: db must be a valid, open connection pool with the bans
// table migrated.
// Postcondition: Returns a loaded BanStore or a non-nil error.
func NewBanStore(ctx context.Context, db *pgxpool.Pool, timeout time.Duration) (*BanStore, error) {
	if timeout <= 0 {
		timeout = DefaultBanTimeout
	}
	s := &BanStore{db: db, timeout: timeout, addrs: make(map[string]struct{})}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the in-memory copy with the contents of the bans table.
//
// Postcondition: On error the previous copy is kept.
func (s *BanStore) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.Query(ctx, `SELECT address FROM bans`)
	if err != nil {
		return fmt.Errorf("loading bans: %w", err)
	}
	defer rows.Close()

	addrs := make(map[string]struct{})
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return fmt.Errorf("scanning ban: %w", err)
		}
		n, err := bans.NormalizeAddress(addr)
		if err != nil {
			return fmt.Errorf("loading bans: %w", err)
		}
		addrs[n] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating bans: %w", err)
	}

	s.mu.Lock()
	s.addrs = addrs
	s.mu.Unlock()
	return nil
}

// Contains implements bans.List without touching the database.
func (s *BanStore) Contains(addr string) bool {
	n, err := bans.NormalizeAddress(addr)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[n]
	return ok
}

// Add implements bans.List. The address is banned in memory even if the
// insert fails; the database error is returned.
func (s *BanStore) Add(addr string) (bool, error) {
	n, err := bans.NormalizeAddress(addr)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	if _, ok := s.addrs[n]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.addrs[n] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.db.Exec(ctx,
		`INSERT INTO bans (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`,
		n,
	); err != nil {
		return true, fmt.Errorf("inserting ban %s: %w", n, err)
	}
	return true, nil
}

// Remove implements bans.List.
func (s *BanStore) Remove(addr string) (bool, error) {
	n, err := bans.NormalizeAddress(addr)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	if _, ok := s.addrs[n]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.addrs, n)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.db.Exec(ctx, `DELETE FROM bans WHERE address = $1`, n); err != nil {
		return true, fmt.Errorf("deleting ban %s: %w", n, err)
	}
	return true, nil
}

// Addresses implements bans.List.
func (s *BanStore) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.addrs))
	for a := range s.addrs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
