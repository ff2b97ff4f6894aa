package models

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrNotCancellable is returned when cancellation races an in-flight
	// or finished dispatch. Only scheduled deliveries can be cancelled.
	ErrNotCancellable = errors.New("delivery not cancellable")

	ErrAlreadyCancelled = errors.New("delivery already cancelled")

	// ErrNotReschedulable mirrors ErrNotCancellable for the reschedule
	// path: only scheduled deliveries can move.
	ErrNotReschedulable = errors.New("delivery not reschedulable")

	// ErrClaimLost is returned by token-checked updates when another
	// worker holds the claim, or the lease expired and was reissued.
	ErrClaimLost = errors.New("delivery claim lost")
)
