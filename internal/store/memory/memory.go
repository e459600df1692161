// Package memory is an in-process ContactStore.
//
// Contacts live in an arena indexed by id: id n is stored at position n-1 and
// linked_id is only ever an id, so cluster membership is resolved by lookup.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"identityresolver/internal/models"
)

// Store is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	contacts []models.Contact
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{now: time.Now}
}

// NewWithClock creates an empty store that stamps contacts with now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{now: now}
}

// FindByEmailOrPhone returns live contacts sharing either identifier, oldest first.
func (s *Store) FindByEmailOrPhone(_ context.Context, email, phoneNumber *string) ([]*models.Contact, error) {
	if email == nil && phoneNumber == nil {
		return nil, nil
	}
	return s.filter(func(c *models.Contact) bool {
		return (email != nil && c.Email != nil && *c.Email == *email) ||
			(phoneNumber != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phoneNumber)
	}), nil
}

// FindByPrimaryOrLinkedID returns the primary itself and every live contact linked to it.
func (s *Store) FindByPrimaryOrLinkedID(_ context.Context, primaryID int64) ([]*models.Contact, error) {
	return s.filter(func(c *models.Contact) bool {
		return c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID)
	}), nil
}

// FindByID loads one live contact or returns models.ErrContactNotFound.
func (s *Store) FindByID(_ context.Context, id int64) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.at(id)
	if !ok || c.DeletedAt != nil {
		return nil, fmt.Errorf("contact %d: %w", id, models.ErrContactNotFound)
	}
	return clone(c), nil
}

// Insert assigns the next id and stores a copy of c.
func (s *Store) Insert(_ context.Context, c *models.Contact) (*models.Contact, error) {
	if !c.LinkPrecedence.Valid() {
		return nil, fmt.Errorf("insert contact: invalid link precedence %q", c.LinkPrecedence)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.LinkedID != nil {
		if _, ok := s.at(*c.LinkedID); !ok {
			return nil, fmt.Errorf("insert contact: linked contact %d: %w", *c.LinkedID, models.ErrContactNotFound)
		}
	}

	created := *clone(c)
	created.ID = int64(len(s.contacts) + 1)
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now().UTC()
	}
	if created.UpdatedAt.IsZero() {
		created.UpdatedAt = created.CreatedAt
	}
	s.contacts = append(s.contacts, created)
	return clone(&created), nil
}

// Absorb moves every cluster rooted at rootIDs under primaryID while holding the write lock.
// Nothing changes when any root is missing.
func (s *Store) Absorb(_ context.Context, primaryID int64, rootIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roots := make(map[int64]bool, len(rootIDs))
	for _, id := range rootIDs {
		root, ok := s.at(id)
		if !ok || root.DeletedAt != nil {
			return fmt.Errorf("absorb contact %d: %w", id, models.ErrContactNotFound)
		}
		roots[id] = true
	}

	now := s.now().UTC()
	for i := range s.contacts {
		c := &s.contacts[i]
		if c.DeletedAt != nil {
			continue
		}
		if !roots[c.ID] && (c.LinkedID == nil || !roots[*c.LinkedID]) {
			continue
		}
		linked := primaryID
		c.LinkPrecedence = models.LinkSecondary
		c.LinkedID = &linked
		c.UpdatedAt = now
	}
	return nil
}

// Len reports how many contacts were ever inserted.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contacts)
}

func (s *Store) at(id int64) (*models.Contact, bool) {
	if id < 1 || id > int64(len(s.contacts)) {
		return nil, false
	}
	return &s.contacts[id-1], true
}

// filter returns live matches ordered by creation time, then id.
func (s *Store) filter(match func(*models.Contact) bool) []*models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Contact
	for i := range s.contacts {
		c := &s.contacts[i]
		if c.DeletedAt == nil && match(c) {
			out = append(out, clone(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func clone(c *models.Contact) *models.Contact {
	cp := *c
	if c.Email != nil {
		v := *c.Email
		cp.Email = &v
	}
	if c.PhoneNumber != nil {
		v := *c.PhoneNumber
		cp.PhoneNumber = &v
	}
	if c.LinkedID != nil {
		v := *c.LinkedID
		cp.LinkedID = &v
	}
	if c.DeletedAt != nil {
		v := *c.DeletedAt
		cp.DeletedAt = &v
	}
	return &cp
}
