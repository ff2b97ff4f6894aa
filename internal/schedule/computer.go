package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

var (
	ErrPastDate        = errors.New("requested date is in the past")
	ErrHorizonExceeded = errors.New("requested date is beyond the scheduling horizon")

	// ErrTransitWindowExceeded means the arrive-by date is too close:
	// mailing today would still arrive late. Never silently scheduled in
	// the past.
	ErrTransitWindowExceeded = errors.New("transit window exceeded for arrive-by delivery")
)

// Request is one delivery-time computation.
type Request struct {
	Date     clock.CivilDate
	Timezone string
	Channel  models.Channel
	Mode     models.Mode

	// Country and MailType drive transit estimation; arrive-by only.
	Country  string
	MailType models.MailType
}

// Computer turns a requested civil date into the exact dispatch instant:
// the send instant for email, the mail-by instant for physical mail.
type Computer struct {
	Clock   clock.Clock
	Transit TransitEstimator

	// LocalHour is the fixed local delivery/cutoff hour.
	LocalHour    int
	HorizonYears int
}

func (c *Computer) Compute(req Request) (time.Time, error) {
	civil := clock.CivilDateTime{CivilDate: req.Date, Hour: c.LocalHour}

	target, err := c.Clock.ToInstant(civil, req.Timezone)
	if err != nil && !errors.Is(err, clock.ErrAmbiguousLocalTime) {
		return time.Time{}, err
	}
	// Ambiguous local times arrive resolved by the clock's tie-break and
	// are scheduled on the resolved instant.

	now := c.Clock.Now()

	if target.After(now.AddDate(c.HorizonYears, 0, 0)) {
		return time.Time{}, fmt.Errorf("%w: %s is more than %d years ahead",
			ErrHorizonExceeded, req.Date, c.HorizonYears)
	}
	if target.Before(now) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrPastDate, req.Date)
	}

	if req.Channel == models.ChannelPhysicalMail && req.Mode == models.ModeArriveBy {
		leadDays, err := c.Transit.Estimate(req.Country, req.MailType)
		if err != nil {
			return time.Time{}, err
		}
		dispatchAt := target.AddDate(0, 0, -leadDays)
		if dispatchAt.Before(now) {
			return time.Time{}, fmt.Errorf("%w: mailing needs %d days of lead time",
				ErrTransitWindowExceeded, leadDays)
		}
		return dispatchAt, nil
	}

	// Email, and physical mail in send-on mode: the requested local date
	// at the configured hour.
	return target, nil
}
