// Package storetest holds behavior checks shared by every ContactStore implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identityresolver/internal/models"
	"identityresolver/internal/service"
)

// Base is the creation time of the first seeded contact.
var Base = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)

// Run exercises newStore against the ContactStore contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) service.ContactStore) {
	t.Run("insert assigns ids and timestamps", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Insert(ctx, &models.Contact{Email: Str("lorraine@hillvalley.edu"), PhoneNumber: Str("123456"), LinkPrecedence: models.LinkPrimary})
		require.NoError(t, err)
		assert.NotZero(t, first.ID)
		assert.False(t, first.CreatedAt.IsZero())
		assert.True(t, first.CreatedAt.Equal(first.UpdatedAt))
		assert.Nil(t, first.LinkedID)

		second, err := s.Insert(ctx, &models.Contact{Email: Str("mcfly@hillvalley.edu"), LinkedID: &first.ID, LinkPrecedence: models.LinkSecondary})
		require.NoError(t, err)
		assert.Greater(t, second.ID, first.ID)
		require.NotNil(t, second.LinkedID)
		assert.Equal(t, first.ID, *second.LinkedID)
		assert.Nil(t, second.PhoneNumber)
	})

	t.Run("insert rejects unknown precedence", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(context.Background(), &models.Contact{Email: Str("a@x.com"), LinkPrecedence: "tertiary"})
		assert.Error(t, err)
	})

	t.Run("find by email or phone", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := Seed(t, s, models.Contact{Email: Str("a@x.com"), PhoneNumber: Str("111"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base})
		b := Seed(t, s, models.Contact{Email: Str("b@x.com"), PhoneNumber: Str("222"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base.Add(time.Hour)})
		Seed(t, s, models.Contact{Email: Str("c@x.com"), PhoneNumber: Str("333"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base.Add(2 * time.Hour)})

		got, err := s.FindByEmailOrPhone(ctx, Str("a@x.com"), Str("222"))
		require.NoError(t, err)
		assert.Equal(t, []int64{a.ID, b.ID}, IDs(got))

		got, err = s.FindByEmailOrPhone(ctx, nil, Str("222"))
		require.NoError(t, err)
		assert.Equal(t, []int64{b.ID}, IDs(got))

		got, err = s.FindByEmailOrPhone(ctx, Str("a@x.com"), nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{a.ID}, IDs(got))

		got, err = s.FindByEmailOrPhone(ctx, Str("nobody@x.com"), Str("999"))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("absent identifiers never match null columns", func(t *testing.T) {
		s := newStore(t)
		Seed(t, s, models.Contact{PhoneNumber: Str("111"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base})

		got, err := s.FindByEmailOrPhone(context.Background(), Str("a@x.com"), nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("soft-deleted contacts are invisible", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		deletedAt := Base.Add(time.Minute)
		gone := Seed(t, s, models.Contact{Email: Str("gone@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base, DeletedAt: &deletedAt})

		got, err := s.FindByEmailOrPhone(ctx, Str("gone@x.com"), nil)
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = s.FindByID(ctx, gone.ID)
		assert.ErrorIs(t, err, models.ErrContactNotFound)

		cluster, err := s.FindByPrimaryOrLinkedID(ctx, gone.ID)
		require.NoError(t, err)
		assert.Empty(t, cluster)
	})

	t.Run("find by primary or linked id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Seed(t, s, models.Contact{Email: Str("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base})
		other := Seed(t, s, models.Contact{Email: Str("z@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base.Add(time.Minute)})
		s1 := Seed(t, s, models.Contact{PhoneNumber: Str("111"), LinkedID: &p.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: Base.Add(2 * time.Minute)})
		s2 := Seed(t, s, models.Contact{PhoneNumber: Str("222"), LinkedID: &p.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: Base.Add(3 * time.Minute)})

		cluster, err := s.FindByPrimaryOrLinkedID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{p.ID, s1.ID, s2.ID}, IDs(cluster))

		cluster, err = s.FindByPrimaryOrLinkedID(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{other.ID}, IDs(cluster))
	})

	t.Run("find by id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Seed(t, s, models.Contact{Email: Str("a@x.com"), PhoneNumber: Str("111"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base})

		got, err := s.FindByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "a@x.com", got.EmailValue())
		assert.Equal(t, "111", got.PhoneValue())
		assert.True(t, got.IsPrimary())
		assert.True(t, got.CreatedAt.Equal(Base))

		_, err = s.FindByID(ctx, p.ID+100)
		assert.ErrorIs(t, err, models.ErrContactNotFound)
	})

	t.Run("absorb folds roots and their secondaries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		older := Seed(t, s, models.Contact{Email: Str("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base})
		newer := Seed(t, s, models.Contact{Email: Str("b@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base.Add(time.Hour)})
		sec := Seed(t, s, models.Contact{PhoneNumber: Str("222"), LinkedID: &newer.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: Base.Add(2 * time.Hour)})
		other := Seed(t, s, models.Contact{Email: Str("c@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base.Add(3 * time.Hour)})

		require.NoError(t, s.Absorb(ctx, older.ID, []int64{newer.ID}))

		got, err := s.FindByID(ctx, newer.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LinkSecondary, got.LinkPrecedence)
		require.NotNil(t, got.LinkedID)
		assert.Equal(t, older.ID, *got.LinkedID)
		assert.True(t, got.CreatedAt.Equal(Base.Add(time.Hour)))
		assert.True(t, got.UpdatedAt.After(got.CreatedAt))

		cluster, err := s.FindByPrimaryOrLinkedID(ctx, older.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{older.ID, newer.ID, sec.ID}, IDs(cluster))

		untouched, err := s.FindByID(ctx, other.ID)
		require.NoError(t, err)
		assert.True(t, untouched.IsPrimary())
	})

	t.Run("absorb changes nothing when a root is missing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		older := Seed(t, s, models.Contact{Email: Str("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base})
		newer := Seed(t, s, models.Contact{Email: Str("b@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: Base.Add(time.Hour)})
		sec := Seed(t, s, models.Contact{PhoneNumber: Str("222"), LinkedID: &newer.ID, LinkPrecedence: models.LinkSecondary, CreatedAt: Base.Add(2 * time.Hour)})

		err := s.Absorb(ctx, older.ID, []int64{newer.ID, newer.ID + 100})
		assert.ErrorIs(t, err, models.ErrContactNotFound)

		got, err := s.FindByID(ctx, newer.ID)
		require.NoError(t, err)
		assert.True(t, got.IsPrimary())

		cluster, err := s.FindByPrimaryOrLinkedID(ctx, newer.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{newer.ID, sec.ID}, IDs(cluster))
	})
}

// Seed inserts c and fails the test on error.
func Seed(t *testing.T, s service.ContactStore, c models.Contact) *models.Contact {
	t.Helper()
	created, err := s.Insert(context.Background(), &c)
	require.NoError(t, err)
	return created
}

// IDs lists contact ids in order.
func IDs(contacts []*models.Contact) []int64 {
	ids := make([]int64, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	return ids
}

// Str returns a pointer to s.
func Str(s string) *string { return &s }
