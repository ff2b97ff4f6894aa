package channel

import (
	"context"
	"fmt"
	"net/mail"

	"gopkg.in/gomail.v2"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

// EmailAdapter delivers letters over SMTP.
type EmailAdapter struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

func (a *EmailAdapter) Send(ctx context.Context, delivery *models.Delivery, content Content) (Result, error) {
	if _, err := mail.ParseAddress(delivery.Recipient.Email); err != nil {
		return Result{Outcome: OutcomePermanent},
			fmt.Errorf("invalid recipient address %q: %w", delivery.Recipient.Email, err)
	}

	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeTransient}, err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", a.From)
	m.SetHeader("To", delivery.Recipient.Email)
	m.SetHeader("Subject", content.Title)
	m.SetBody("text/html", content.BodyHTML)

	d := gomail.NewDialer(a.Host, a.Port, a.User, a.Password)

	if err := d.DialAndSend(m); err != nil {
		// SMTP failures are not reliably classifiable here; retry.
		return Result{Outcome: OutcomeTransient}, fmt.Errorf("smtp send error: %w", err)
	}

	return Result{Outcome: OutcomeSuccess}, nil
}
