package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

// UpsertDraft is the autosave path: first call creates the draft,
// every later call refreshes content and last_saved_at.
func (s *Store) UpsertDraft(ctx context.Context, d *models.Draft) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO drafts (id, owner_id, title, body_rich, body_html, last_saved_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET title=EXCLUDED.title,
		     body_rich=EXCLUDED.body_rich,
		     body_html=EXCLUDED.body_html,
		     last_saved_at=EXCLUDED.last_saved_at`,
		d.ID, d.OwnerID, d.Title, d.BodyRich, d.BodyHTML, d.LastSavedAt)
	return errors.Wrap(err, "upserting draft")
}

func (s *Store) GetDraft(ctx context.Context, id uuid.UUID, ownerID string) (*models.Draft, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT id, owner_id, title, body_rich, body_html, letter_id, last_saved_at, created_at
		 FROM drafts WHERE id=$1 AND owner_id=$2`,
		id, ownerID)

	var d models.Draft
	err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &d.BodyRich, &d.BodyHTML,
		&d.LetterID, &d.LastSavedAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading draft")
	}
	return &d, nil
}

// PromoteDraft records the sealed letter a draft became. Promotion makes
// the draft permanently ineligible for reaping once a delivery exists.
func (s *Store) PromoteDraft(ctx context.Context, id uuid.UUID, letterID uuid.UUID) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE drafts SET letter_id=$2 WHERE id=$1`,
		id, letterID)
	if err != nil {
		return errors.Wrap(err, "promoting draft")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteDraft(ctx context.Context, id uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM drafts WHERE id=$1`, id)
	return errors.Wrap(err, "deleting draft")
}

// ExpiredDrafts lists drafts last saved strictly before the cutoff whose
// letter (if any) has no delivery referencing it. A draft saved exactly
// at the cutoff is kept.
func (s *Store) ExpiredDrafts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Draft, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT d.id, d.owner_id, d.title, d.body_rich, d.body_html, d.letter_id, d.last_saved_at, d.created_at
		 FROM drafts d
		 WHERE d.last_saved_at < $1
		   AND (d.letter_id IS NULL
		     OR NOT EXISTS (SELECT 1 FROM deliveries WHERE letter_id = d.letter_id))
		 ORDER BY d.last_saved_at ASC
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying expired drafts")
	}
	defer rows.Close()

	var out []*models.Draft
	for rows.Next() {
		var d models.Draft
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.BodyRich, &d.BodyHTML,
			&d.LetterID, &d.LastSavedAt, &d.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "reading expired draft")
		}
		out = append(out, &d)
	}
	return out, errors.Wrap(rows.Err(), "reading expired drafts")
}
