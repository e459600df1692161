package models

import (
	"time"

	"identityresolver/internal/domainerrors"
)

// ErrContactNotFound is returned by stores when no live contact has the requested id.
var ErrContactNotFound = domainerrors.New(domainerrors.CodeNotFound, "contact not found")

// LinkPrecedence is the role a contact plays inside its identity cluster.
type LinkPrecedence string

const (
	LinkPrimary   LinkPrecedence = "primary"
	LinkSecondary LinkPrecedence = "secondary"
)

// Valid reports whether p is one of the known precedences.
func (p LinkPrecedence) Valid() bool {
	return p == LinkPrimary || p == LinkSecondary
}

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty"`
	Email          *string        `json:"email,omitempty"`
	LinkedID       *int64         `json:"linkedId,omitempty"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

// IsPrimary reports whether the contact is the root of its cluster.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrimary
}

// ClusterID returns the id of the primary this contact belongs to.
// A secondary with a missing link reports its own id.
func (c *Contact) ClusterID() int64 {
	if c.IsPrimary() || c.LinkedID == nil {
		return c.ID
	}
	return *c.LinkedID
}

// EmailValue returns the email or "" when absent.
func (c *Contact) EmailValue() string {
	if c.Email == nil {
		return ""
	}
	return *c.Email
}

// PhoneValue returns the phone number or "" when absent.
func (c *Contact) PhoneValue() string {
	if c.PhoneNumber == nil {
		return ""
	}
	return *c.PhoneNumber
}

// Before orders contacts by creation time, then id.
func (c *Contact) Before(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// Earliest returns the contact created first, ties broken by lowest id.
func Earliest(contacts []*Contact) *Contact {
	var first *Contact
	for _, c := range contacts {
		if first == nil || c.Before(first) {
			first = c
		}
	}
	return first
}
