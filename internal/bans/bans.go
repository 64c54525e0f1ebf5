// Package bans keeps the set of peer addresses a server refuses to log in.
package bans

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidAddress is returned for addresses that are not an IP.
var ErrInvalidAddress = errors.New("invalid ban address")

// List is a set of banned peer addresses. Implementations are safe for
// concurrent use.
type List interface {
	// Contains reports whether addr is banned. Malformed addresses are never
	// banned.
	Contains(addr string) bool
	// Add bans addr.
	//
	// Postcondition: Returns true if addr was not banned before.
	Add(addr string) (bool, error)
	// Remove lifts the ban on addr.
	//
	// Postcondition: Returns true if addr was banned before.
	Remove(addr string) (bool, error)
	// Addresses returns every banned address in ascending order.
	Addresses() []string
}

// NormalizeAddress reduces addr to its canonical IP form, dropping any port
// and IPv6 zone.
//
// Postcondition: Returns the canonical IP string, or ErrInvalidAddress.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return ip.WithZone("").Unmap().String(), nil
}

// set is the address set shared by every backend.
type set struct {
	mu    sync.RWMutex
	addrs map[string]struct{}
}

func newSet(addrs []string) (*set, error) {
	s := &set{addrs: make(map[string]struct{}, len(addrs))}
	for _, a := range addrs {
		n, err := NormalizeAddress(a)
		if err != nil {
			return nil, err
		}
		s.addrs[n] = struct{}{}
	}
	return s, nil
}

func (s *set) contains(addr string) bool {
	n, err := NormalizeAddress(addr)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[n]
	return ok
}

// add inserts addr and returns its normalized form.
func (s *set) add(addr string) (string, bool, error) {
	n, err := NormalizeAddress(addr)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addrs[n]; ok {
		return n, false, nil
	}
	s.addrs[n] = struct{}{}
	return n, true, nil
}

func (s *set) remove(addr string) (string, bool, error) {
	n, err := NormalizeAddress(addr)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addrs[n]; !ok {
		return n, false, nil
	}
	delete(s.addrs, n)
	return n, true, nil
}

func (s *set) list() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.addrs))
	for a := range s.addrs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Memory is a List that lives only as long as the process.
type Memory struct {
	s *set
}

// NewMemory creates a Memory list holding addrs.
//
// Postcondition: Returns ErrInvalidAddress if any of addrs is not an IP.
func NewMemory(addrs ...string) (*Memory, error) {
	s, err := newSet(addrs)
	if err != nil {
		return nil, err
	}
	return &Memory{s: s}, nil
}

func (m *Memory) Contains(addr string) bool { return m.s.contains(addr) }

func (m *Memory) Add(addr string) (bool, error) {
	_, added, err := m.s.add(addr)
	return added, err
}

func (m *Memory) Remove(addr string) (bool, error) {
	_, removed, err := m.s.remove(addr)
	return removed, err
}

func (m *Memory) Addresses() []string { return m.s.list() }
