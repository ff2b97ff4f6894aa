package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate creates the schema. Deliveries scheduled decades out must
// survive redeploys, so columns are only ever added, never repurposed.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS letters (
			id           UUID PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			sealed_title TEXT NOT NULL,
			sealed_body  TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS drafts (
			id            UUID PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			body_rich     TEXT NOT NULL DEFAULT '',
			body_html     TEXT NOT NULL DEFAULT '',
			letter_id     UUID REFERENCES letters(id),
			last_saved_at TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS deliveries (
			id               UUID PRIMARY KEY,
			letter_id        UUID NOT NULL REFERENCES letters(id),
			owner_id         TEXT NOT NULL,
			channel          TEXT NOT NULL,
			recipient        JSONB NOT NULL,
			timezone         TEXT NOT NULL,
			requested_date   DATE NOT NULL,
			mode             TEXT NOT NULL DEFAULT '',
			mail_type        TEXT NOT NULL DEFAULT '',
			dispatch_at      TIMESTAMPTZ NOT NULL,
			state            TEXT NOT NULL,
			attempt_count    INT NOT NULL DEFAULT 0,
			next_attempt_at  TIMESTAMPTZ,
			last_attempt_at  TIMESTAMPTZ,
			last_error       TEXT NOT NULL DEFAULT '',
			claim_token      TEXT NOT NULL DEFAULT '',
			claim_expires_at TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		ALTER TABLE deliveries
			ADD COLUMN IF NOT EXISTS mail_type TEXT NOT NULL DEFAULT '';

		CREATE INDEX IF NOT EXISTS idx_deliveries_due
			ON deliveries (state, dispatch_at);
		CREATE INDEX IF NOT EXISTS idx_deliveries_letter
			ON deliveries (letter_id);
		CREATE INDEX IF NOT EXISTS idx_drafts_last_saved
			ON drafts (last_saved_at);
	`)
	return errors.Wrap(err, "migrating schema")
}
