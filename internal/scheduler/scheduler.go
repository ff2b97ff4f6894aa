// Package scheduler is the entry point the authoring flow talks to:
// it validates a requested delivery, promotes the draft into a sealed
// letter, computes the dispatch instant, and persists the delivery in
// scheduled state. Dispatch itself always happens asynchronously.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/schedule"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/seal"
)

var ErrInvalidRecipient = errors.New("invalid recipient")

type DeliveryStore interface {
	InsertDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error)
	Cancel(ctx context.Context, id uuid.UUID, ownerID string) error
	UpdateDispatchAt(ctx context.Context, id uuid.UUID, ownerID string, requested clock.CivilDate, timezone string, dispatchAt time.Time) error
}

type DraftStore interface {
	UpsertDraft(ctx context.Context, d *models.Draft) error
	GetDraft(ctx context.Context, id uuid.UUID, ownerID string) (*models.Draft, error)
	PromoteDraft(ctx context.Context, id uuid.UUID, letterID uuid.UUID) error
}

type LetterStore interface {
	InsertLetter(ctx context.Context, l *models.Letter) error
}

// Request schedules one delivery of one draft.
type Request struct {
	DraftID   uuid.UUID        `json:"draft_id"`
	OwnerID   string           `json:"-"`
	Channel   models.Channel   `json:"channel"`
	Recipient models.Recipient `json:"recipient"`
	Date      clock.CivilDate  `json:"date"`
	Timezone  string           `json:"timezone"`
	Mode      models.Mode      `json:"mode,omitempty"`
	MailType  models.MailType  `json:"mail_type,omitempty"`
}

type Scheduler struct {
	Deliveries DeliveryStore
	Drafts     DraftStore
	Letters    LetterStore
	Sealer     seal.Sealer
	Computer   *schedule.Computer
	Clock      clock.Clock
	Log        *zap.Logger
}

// Schedule validates the request, promotes the draft to a sealed letter
// if it has not been promoted yet, and persists a scheduled delivery.
// Validation errors from the time computer are returned unchanged.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*models.Delivery, error) {
	if err := validateRecipient(req.Channel, req.Recipient); err != nil {
		return nil, err
	}

	mode, mailType := req.Mode, req.MailType
	switch req.Channel {
	case models.ChannelEmail:
		mode, mailType = "", ""
	case models.ChannelPhysicalMail:
		if mode == "" {
			mode = models.ModeSendOn
		}
		if mailType == "" {
			mailType = models.MailFirstClass
		}
	}

	draft, err := s.Drafts.GetDraft(ctx, req.DraftID, req.OwnerID)
	if err != nil {
		return nil, err
	}

	letterID, err := s.promote(ctx, draft)
	if err != nil {
		return nil, err
	}

	country := ""
	if req.Recipient.Postal != nil {
		country = req.Recipient.Postal.Country
	}

	dispatchAt, err := s.Computer.Compute(schedule.Request{
		Date:     req.Date,
		Timezone: req.Timezone,
		Channel:  req.Channel,
		Mode:     mode,
		Country:  country,
		MailType: mailType,
	})
	if err != nil {
		return nil, err
	}

	delivery := &models.Delivery{
		ID:         uuid.New(),
		LetterID:   letterID,
		OwnerID:    req.OwnerID,
		Channel:    req.Channel,
		Recipient:  req.Recipient,
		Timezone:   req.Timezone,
		Requested:  req.Date,
		Mode:       mode,
		MailType:   mailType,
		DispatchAt: dispatchAt,
		State:      models.StateScheduled,
		CreatedAt:  s.Clock.Now(),
		UpdatedAt:  s.Clock.Now(),
	}

	if err := s.Deliveries.InsertDelivery(ctx, delivery); err != nil {
		return nil, err
	}

	s.Log.Info("delivery scheduled",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("channel", string(req.Channel)),
		zap.Time("dispatch_at", dispatchAt),
	)
	return delivery, nil
}

// promote seals the draft into an immutable letter. Re-invocation with
// an already-promoted draft reuses its letter; content is never resealed.
func (s *Scheduler) promote(ctx context.Context, draft *models.Draft) (uuid.UUID, error) {
	if draft.LetterID != nil {
		return *draft.LetterID, nil
	}

	sealedTitle, err := s.Sealer.Seal(draft.Title)
	if err != nil {
		return uuid.Nil, err
	}
	sealedBody, err := s.Sealer.Seal(draft.BodyHTML)
	if err != nil {
		return uuid.Nil, err
	}

	letter := &models.Letter{
		ID:          uuid.New(),
		OwnerID:     draft.OwnerID,
		SealedTitle: sealedTitle,
		SealedBody:  sealedBody,
		CreatedAt:   s.Clock.Now(),
	}
	if err := s.Letters.InsertLetter(ctx, letter); err != nil {
		return uuid.Nil, err
	}
	if err := s.Drafts.PromoteDraft(ctx, draft.ID, letter.ID); err != nil {
		return uuid.Nil, err
	}
	return letter.ID, nil
}

// Cancel is permitted only while the delivery is still scheduled.
func (s *Scheduler) Cancel(ctx context.Context, deliveryID uuid.UUID, ownerID string) error {
	return s.Deliveries.Cancel(ctx, deliveryID, ownerID)
}

// Reschedule moves a scheduled delivery to a new date, re-entering full
// validation. The dispatch instant never changes any other way.
func (s *Scheduler) Reschedule(ctx context.Context, deliveryID uuid.UUID, ownerID string, date clock.CivilDate, timezone string) (*models.Delivery, error) {
	delivery, err := s.Deliveries.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery.OwnerID != ownerID {
		return nil, models.ErrNotFound
	}
	if delivery.State != models.StateScheduled {
		return nil, models.ErrNotReschedulable
	}

	country := ""
	if delivery.Recipient.Postal != nil {
		country = delivery.Recipient.Postal.Country
	}

	dispatchAt, err := s.Computer.Compute(schedule.Request{
		Date:     date,
		Timezone: timezone,
		Channel:  delivery.Channel,
		Mode:     delivery.Mode,
		Country:  country,
		MailType: delivery.MailType,
	})
	if err != nil {
		return nil, err
	}

	if err := s.Deliveries.UpdateDispatchAt(ctx, deliveryID, ownerID, date, timezone, dispatchAt); err != nil {
		return nil, err
	}

	delivery.Requested = date
	delivery.Timezone = timezone
	delivery.DispatchAt = dispatchAt
	return delivery, nil
}

// SaveDraft is the autosave path. The browser keeps its own local copy
// as a resilience cache; the record written here is the one the engine
// trusts.
func (s *Scheduler) SaveDraft(ctx context.Context, draft *models.Draft) error {
	if draft.ID == uuid.Nil {
		draft.ID = uuid.New()
	}
	draft.LastSavedAt = s.Clock.Now()
	return s.Drafts.UpsertDraft(ctx, draft)
}

func validateRecipient(ch models.Channel, r models.Recipient) error {
	switch ch {
	case models.ChannelEmail:
		if _, err := mail.ParseAddress(r.Email); err != nil {
			return fmt.Errorf("%w: %q is not a valid email address", ErrInvalidRecipient, r.Email)
		}
		return nil

	case models.ChannelPhysicalMail:
		p := r.Postal
		if p == nil {
			return fmt.Errorf("%w: postal address required for physical mail", ErrInvalidRecipient)
		}
		var missing []string
		if strings.TrimSpace(p.Name) == "" {
			missing = append(missing, "name")
		}
		if strings.TrimSpace(p.Line1) == "" {
			missing = append(missing, "line1")
		}
		if strings.TrimSpace(p.City) == "" {
			missing = append(missing, "city")
		}
		if strings.TrimSpace(p.PostalCode) == "" {
			missing = append(missing, "postal_code")
		}
		if len(p.Country) != 2 {
			missing = append(missing, "country")
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: postal address missing %s", ErrInvalidRecipient, strings.Join(missing, ", "))
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRecipient, ch)
	}
}
