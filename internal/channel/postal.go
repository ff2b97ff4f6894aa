package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

// PostalAdapter submits physical letters to a print-and-mail provider
// over its REST API.
type PostalAdapter struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type postalRequest struct {
	Description string               `json:"description"`
	To          models.PostalAddress `json:"to"`
	HTML        string               `json:"html"`
	MailType    string               `json:"mail_type,omitempty"`
	Metadata    map[string]string    `json:"metadata"`
}

type postalResponse struct {
	ID string `json:"id"`
}

func (a *PostalAdapter) Send(ctx context.Context, delivery *models.Delivery, content Content) (Result, error) {
	if delivery.Recipient.Postal == nil {
		return Result{Outcome: OutcomePermanent},
			fmt.Errorf("physical delivery %s has no postal recipient", delivery.ID)
	}

	body, err := json.Marshal(postalRequest{
		Description: content.Title,
		To:          *delivery.Recipient.Postal,
		HTML:        content.BodyHTML,
		MailType:    string(delivery.MailType),
		Metadata:    map[string]string{"delivery_id": delivery.ID.String()},
	})
	if err != nil {
		return Result{Outcome: OutcomePermanent}, fmt.Errorf("encoding letter request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomePermanent}, fmt.Errorf("building letter request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(a.APIKey, "")
	// Idempotency key prevents duplicate letters if a response is lost
	// and the attempt is retried.
	req.Header.Set("Idempotency-Key", delivery.ID.String())

	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransient}, fmt.Errorf("print provider request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var pr postalResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			// The letter was accepted; a bad response body is not a
			// reason to send it again.
			return Result{Outcome: OutcomeSuccess}, nil
		}
		return Result{Outcome: OutcomeSuccess, ProviderRef: pr.ID}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{Outcome: OutcomeTransient},
			fmt.Errorf("print provider rate limited")

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{Outcome: OutcomePermanent},
			fmt.Errorf("print provider rejected letter: %d %s", resp.StatusCode, detail)

	default:
		return Result{Outcome: OutcomeTransient},
			fmt.Errorf("print provider error: %d", resp.StatusCode)
	}
}
