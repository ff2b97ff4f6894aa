package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

func (s *Store) InsertLetter(ctx context.Context, l *models.Letter) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO letters (id, owner_id, sealed_title, sealed_body, created_at)
		 VALUES ($1,$2,$3,$4,NOW())`,
		l.ID, l.OwnerID, l.SealedTitle, l.SealedBody)
	return errors.Wrap(err, "inserting letter")
}

func (s *Store) GetLetter(ctx context.Context, id uuid.UUID) (*models.Letter, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT id, owner_id, sealed_title, sealed_body, created_at
		 FROM letters WHERE id=$1`, id)

	var l models.Letter
	err := row.Scan(&l.ID, &l.OwnerID, &l.SealedTitle, &l.SealedBody, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading letter")
	}
	return &l, nil
}
