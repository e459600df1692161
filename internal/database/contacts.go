package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"identityresolver/internal/models"
)

const contactColumns = `id, phone_number, email, linked_id, link_precedence, created_at, updated_at, deleted_at`

// ContactRepository stores contacts in SQLite or Postgres.
type ContactRepository struct {
	db  *DB
	now func() time.Time
}

// NewContactRepository creates a repository over db.
func NewContactRepository(db *DB) *ContactRepository {
	return &ContactRepository{db: db, now: time.Now}
}

// FindByEmailOrPhone returns live contacts sharing either identifier, oldest first.
// A nil identifier does not take part in the match.
func (r *ContactRepository) FindByEmailOrPhone(ctx context.Context, email, phoneNumber *string) ([]*models.Contact, error) {
	switch {
	case email != nil && phoneNumber != nil:
		return r.queryContacts(ctx, `SELECT `+contactColumns+` FROM contacts
			WHERE (email = $1 OR phone_number = $2) AND deleted_at IS NULL
			ORDER BY created_at, id`, *email, *phoneNumber)
	case email != nil:
		return r.queryContacts(ctx, `SELECT `+contactColumns+` FROM contacts
			WHERE email = $1 AND deleted_at IS NULL
			ORDER BY created_at, id`, *email)
	case phoneNumber != nil:
		return r.queryContacts(ctx, `SELECT `+contactColumns+` FROM contacts
			WHERE phone_number = $1 AND deleted_at IS NULL
			ORDER BY created_at, id`, *phoneNumber)
	default:
		return nil, nil
	}
}

// FindByPrimaryOrLinkedID returns the primary itself and every contact linked to it.
func (r *ContactRepository) FindByPrimaryOrLinkedID(ctx context.Context, primaryID int64) ([]*models.Contact, error) {
	return r.queryContacts(ctx, `SELECT `+contactColumns+` FROM contacts
		WHERE (id = $1 OR linked_id = $2) AND deleted_at IS NULL
		ORDER BY created_at, id`, primaryID, primaryID)
}

// FindByID loads one live contact or returns models.ErrContactNotFound.
func (r *ContactRepository) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	contacts, err := r.queryContacts(ctx, `SELECT `+contactColumns+` FROM contacts
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("contact %d: %w", id, models.ErrContactNotFound)
	}
	return contacts[0], nil
}

// Insert persists c and returns it with its assigned id and timestamps.
// A zero CreatedAt is set to the current time.
func (r *ContactRepository) Insert(ctx context.Context, c *models.Contact) (*models.Contact, error) {
	if !c.LinkPrecedence.Valid() {
		return nil, fmt.Errorf("insert contact: invalid link precedence %q", c.LinkPrecedence)
	}
	created := *c
	if created.CreatedAt.IsZero() {
		created.CreatedAt = r.now().UTC()
	}
	if created.UpdatedAt.IsZero() {
		created.UpdatedAt = created.CreatedAt
	}

	query := `INSERT INTO contacts (phone_number, email, linked_id, link_precedence, created_at, updated_at, deleted_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	err := r.db.Conn.QueryRowContext(ctx, query,
		nullString(created.PhoneNumber),
		nullString(created.Email),
		nullInt64(created.LinkedID),
		string(created.LinkPrecedence),
		created.CreatedAt,
		created.UpdatedAt,
		nullTime(created.DeletedAt),
	).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("insert contact: %w", err)
	}
	return &created, nil
}

// Absorb folds every cluster rooted at rootIDs into primaryID inside one transaction.
// Each root and its secondaries become secondaries of primaryID; either all move or none do.
func (r *ContactRepository) Absorb(ctx context.Context, primaryID int64, rootIDs []int64) (err error) {
	tx, err := r.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("absorb clusters: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `UPDATE contacts SET link_precedence = $1, linked_id = $2, updated_at = $3
		WHERE (id = $4 OR linked_id = $5) AND deleted_at IS NULL`
	now := r.now().UTC()
	for _, rootID := range rootIDs {
		res, err := tx.ExecContext(ctx, query, string(models.LinkSecondary), primaryID, now, rootID, rootID)
		if err != nil {
			return fmt.Errorf("absorb contact %d: %w", rootID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("absorb contact %d: %w", rootID, err)
		}
		if n == 0 {
			return fmt.Errorf("absorb contact %d: %w", rootID, models.ErrContactNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("absorb clusters: commit: %w", err)
	}
	return nil
}

// queryContacts executes a query and returns contacts
func (r *ContactRepository) queryContacts(ctx context.Context, query string, args ...any) ([]*models.Contact, error) {
	rows, err := r.db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c := &models.Contact{}
		var (
			phone, email, precedence sql.NullString
			linkedID                 sql.NullInt64
			deletedAt                sql.NullTime
		)

		if err := rows.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}

		if phone.Valid {
			c.PhoneNumber = &phone.String
		}
		if email.Valid {
			c.Email = &email.String
		}
		if linkedID.Valid {
			c.LinkedID = &linkedID.Int64
		}
		if deletedAt.Valid {
			c.DeletedAt = &deletedAt.Time
		}
		c.LinkPrecedence = models.LinkPrecedence(precedence.String)

		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}

	return contacts, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
