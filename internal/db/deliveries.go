package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

const deliveryColumns = `
	id, letter_id, owner_id, channel, recipient, timezone, requested_date,
	mode, mail_type, dispatch_at, state, attempt_count, next_attempt_at,
	last_attempt_at, last_error, claim_token, claim_expires_at,
	created_at, updated_at`

func (s *Store) InsertDelivery(ctx context.Context, d *models.Delivery) error {
	recipientJSON, err := json.Marshal(d.Recipient)
	if err != nil {
		return errors.Wrap(err, "encoding recipient")
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO deliveries
		 (id, letter_id, owner_id, channel, recipient, timezone,
		  requested_date, mode, mail_type, dispatch_at, state, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())`,
		d.ID,
		d.LetterID,
		d.OwnerID,
		d.Channel,
		recipientJSON,
		d.Timezone,
		time.Date(d.Requested.Year, d.Requested.Month, d.Requested.Day, 0, 0, 0, 0, time.UTC),
		d.Mode,
		d.MailType,
		d.DispatchAt,
		d.State,
	)
	return errors.Wrap(err, "inserting delivery")
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id=$1`, id)

	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return d, err
}

// Due returns deliveries eligible for a claim attempt at the given
// instant: scheduled rows past their dispatch time, retrying rows past
// their backoff deadline, and claimed rows whose lease expired (crashed
// worker).
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*models.Delivery, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE (state='scheduled' AND dispatch_at <= $1)
		    OR (state='retrying' AND next_attempt_at <= $1)
		    OR (state IN ('claimed','dispatching') AND claim_expires_at <= $1)
		 ORDER BY dispatch_at ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying due deliveries")
	}
	defer rows.Close()

	var out []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "reading due deliveries")
}

// Claim is the single atomic conditional update that guarantees
// at-most-one concurrent dispatch attempt per delivery. It succeeds only
// if the row is still claimable; a claimed row is reclaimable once its
// lease has expired.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, token string, now time.Time, lease time.Duration) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE deliveries
		 SET state='claimed',
		     claim_token=$2,
		     claim_expires_at=$3,
		     updated_at=NOW()
		 WHERE id=$1
		   AND ((state='scheduled' AND dispatch_at <= $4)
		     OR (state='retrying' AND next_attempt_at <= $4)
		     OR (state IN ('claimed','dispatching') AND claim_expires_at <= $4))`,
		id, token, now.Add(lease), now)
	if err != nil {
		return false, errors.Wrap(err, "claiming delivery")
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDispatching moves a claimed delivery into dispatching. The token
// check rejects workers whose lease expired and was reissued.
func (s *Store) MarkDispatching(ctx context.Context, id uuid.UUID, token string, now time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE deliveries
		 SET state='dispatching', last_attempt_at=$3, updated_at=NOW()
		 WHERE id=$1 AND claim_token=$2 AND state='claimed'`,
		id, token, now)
	if err != nil {
		return errors.Wrap(err, "marking delivery dispatching")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrClaimLost
	}
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID, token string) error {
	return s.finishAttempt(ctx, id, token,
		`UPDATE deliveries
		 SET state='delivered',
		     attempt_count=attempt_count+1,
		     claim_token='', claim_expires_at=NULL, next_attempt_at=NULL,
		     last_error='',
		     updated_at=NOW()
		 WHERE id=$1 AND claim_token=$2 AND state='dispatching'`)
}

func (s *Store) MarkRetrying(ctx context.Context, id uuid.UUID, token string, nextAttempt time.Time, lastError string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE deliveries
		 SET state='retrying',
		     attempt_count=attempt_count+1,
		     next_attempt_at=$3,
		     last_error=$4,
		     claim_token='', claim_expires_at=NULL,
		     updated_at=NOW()
		 WHERE id=$1 AND claim_token=$2 AND state='dispatching'`,
		id, token, nextAttempt, lastError)
	if err != nil {
		return errors.Wrap(err, "marking delivery retrying")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrClaimLost
	}
	return nil
}

// MarkFailed is terminal. The delivery stays queryable with last_error
// populated so the owner can see why it failed.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, token string, lastError string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE deliveries
		 SET state='failed',
		     attempt_count=attempt_count+1,
		     last_error=$3,
		     claim_token='', claim_expires_at=NULL, next_attempt_at=NULL,
		     updated_at=NOW()
		 WHERE id=$1 AND claim_token=$2 AND state='dispatching'`,
		id, token, lastError)
	if err != nil {
		return errors.Wrap(err, "marking delivery failed")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrClaimLost
	}
	return nil
}

func (s *Store) finishAttempt(ctx context.Context, id uuid.UUID, token, query string) error {
	tag, err := s.Pool.Exec(ctx, query, id, token)
	if err != nil {
		return errors.Wrap(err, "finishing delivery attempt")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrClaimLost
	}
	return nil
}

// Cancel transitions scheduled → cancelled. Once a delivery has been
// claimed, cancellation is rejected rather than raced against an
// in-flight dispatch.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE deliveries
		 SET state='cancelled', updated_at=NOW()
		 WHERE id=$1 AND owner_id=$2 AND state='scheduled'`,
		id, ownerID)
	if err != nil {
		return errors.Wrap(err, "cancelling delivery")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var state models.DeliveryState
	err = s.Pool.QueryRow(ctx,
		`SELECT state FROM deliveries WHERE id=$1 AND owner_id=$2`,
		id, ownerID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "reading delivery state")
	}
	if state == models.StateCancelled {
		return models.ErrAlreadyCancelled
	}
	return models.ErrNotCancellable
}

// UpdateDispatchAt re-points a scheduled delivery at a new instant. Used
// only by the reschedule path, which has already re-run validation.
func (s *Store) UpdateDispatchAt(ctx context.Context, id uuid.UUID, ownerID string, requested clock.CivilDate, timezone string, dispatchAt time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE deliveries
		 SET requested_date=$3, timezone=$4, dispatch_at=$5, updated_at=NOW()
		 WHERE id=$1 AND owner_id=$2 AND state='scheduled'`,
		id, ownerID,
		time.Date(requested.Year, requested.Month, requested.Day, 0, 0, 0, 0, time.UTC),
		timezone, dispatchAt)
	if err != nil {
		return errors.Wrap(err, "rescheduling delivery")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotReschedulable
	}
	return nil
}

// HasDeliveries reports whether any delivery references the letter.
func (s *Store) HasDeliveries(ctx context.Context, letterID uuid.UUID) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deliveries WHERE letter_id=$1)`,
		letterID).Scan(&exists)
	return exists, errors.Wrap(err, "checking letter deliveries")
}

func scanDelivery(row pgx.Row) (*models.Delivery, error) {
	var (
		d             models.Delivery
		recipientJSON []byte
		requested     time.Time
	)
	err := row.Scan(
		&d.ID, &d.LetterID, &d.OwnerID, &d.Channel, &recipientJSON,
		&d.Timezone, &requested, &d.Mode, &d.MailType, &d.DispatchAt, &d.State,
		&d.AttemptCount, &d.NextAttemptAt, &d.LastAttemptAt, &d.LastError,
		&d.ClaimToken, &d.ClaimExpiresAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipientJSON, &d.Recipient); err != nil {
		return nil, errors.Wrap(err, "decoding recipient")
	}
	d.Requested = clock.CivilDate{
		Year:  requested.Year(),
		Month: requested.Month(),
		Day:   requested.Day(),
	}
	return &d, nil
}
