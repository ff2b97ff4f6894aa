// Package channel defines the delivery-channel contract and its email
// and physical-mail implementations. The channel for a delivery is
// chosen once at scheduling time and stored as data; the dispatcher
// only routes on it.
package channel

import (
	"context"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

type Result struct {
	Outcome Outcome
	// ProviderRef identifies the send at the provider (message id,
	// letter id) when one was issued.
	ProviderRef string
}

// Content is the unsealed letter handed to an adapter. It exists only
// inside a claimed delivery's processing.
type Content struct {
	Title    string
	BodyHTML string
}

// Adapter sends one letter over one channel. An error without a
// classified Result is treated as transient by the dispatcher; success
// is never assumed on an ambiguous outcome.
type Adapter interface {
	Send(ctx context.Context, delivery *models.Delivery, content Content) (Result, error)
}
