package service

import (
	"context"

	"identityresolver/internal/models"
)

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks ContactStore

// ContactStore is the persistence the resolver depends on.
// Implementations only return live (non-deleted) contacts.
type ContactStore interface {
	// FindByEmailOrPhone returns contacts whose email equals email or whose phone equals phoneNumber.
	// A nil argument does not take part in the match.
	FindByEmailOrPhone(ctx context.Context, email, phoneNumber *string) ([]*models.Contact, error)
	// FindByPrimaryOrLinkedID returns the contact with primaryID and every contact linked to it.
	FindByPrimaryOrLinkedID(ctx context.Context, primaryID int64) ([]*models.Contact, error)
	// FindByID returns models.ErrContactNotFound when no live contact has id.
	FindByID(ctx context.Context, id int64) (*models.Contact, error)
	Insert(ctx context.Context, c *models.Contact) (*models.Contact, error)
	// Absorb atomically demotes each root in rootIDs and re-points every contact linked to it
	// at primaryID. Nothing changes on error; a missing root yields models.ErrContactNotFound.
	Absorb(ctx context.Context, primaryID int64, rootIDs []int64) error
}
