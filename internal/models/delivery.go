package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
)

type Channel string

const (
	ChannelEmail        Channel = "email"
	ChannelPhysicalMail Channel = "physical_mail"
)

// Mode selects how a physical-mail delivery date is interpreted: mail on
// the requested date, or back-compute a mail-by date so the letter
// arrives by it.
type Mode string

const (
	ModeSendOn   Mode = "send_on"
	ModeArriveBy Mode = "arrive_by"
)

// MailType is the postage class of a physical-mail delivery. It drives
// transit estimation and is passed through to the print provider.
type MailType string

const (
	MailFirstClass MailType = "first_class"
	MailStandard   MailType = "standard"
)

type DeliveryState string

const (
	StateScheduled   DeliveryState = "scheduled"
	StateClaimed     DeliveryState = "claimed"
	StateDispatching DeliveryState = "dispatching"
	StateDelivered   DeliveryState = "delivered"
	StateRetrying    DeliveryState = "retrying"
	StateFailed      DeliveryState = "failed"
	StateCancelled   DeliveryState = "cancelled"
)

func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateCancelled
}

// PostalAddress is the recipient of a physical-mail delivery. Country is
// an ISO 3166-1 alpha-2 code.
type PostalAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Recipient is channel-typed: Email is set for email deliveries, Postal
// for physical mail.
type Recipient struct {
	Email  string         `json:"email,omitempty"`
	Postal *PostalAddress `json:"postal,omitempty"`
}

// Delivery is one scheduled send of one letter through one channel at
// one computed instant. The dispatcher owns State, AttemptCount,
// LastAttemptAt and LastError; DispatchAt only changes through an
// explicit reschedule that re-enters validation.
type Delivery struct {
	ID       uuid.UUID `json:"id"`
	LetterID uuid.UUID `json:"letter_id"`
	OwnerID  string    `json:"owner_id"`

	Channel   Channel         `json:"channel"`
	Recipient Recipient       `json:"recipient"`
	Timezone  string          `json:"timezone"`
	Requested clock.CivilDate `json:"requested_date"`
	Mode      Mode            `json:"mode,omitempty"`
	MailType  MailType        `json:"mail_type,omitempty"`

	DispatchAt time.Time     `json:"dispatch_at"`
	State      DeliveryState `json:"state"`

	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	ClaimToken     string     `json:"-"`
	ClaimExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
