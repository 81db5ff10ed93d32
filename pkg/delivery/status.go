package delivery

import (
	"errors"
	"fmt"
)

// Status is the client-side delivery state of an outbound message.
type Status string

const (
	// StatusNone marks messages that were never sent from this client.
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var ErrInvalidTransition = errors.New("invalid delivery status transition")

var transitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	// a server copy can still arrive after the client gave up
	StatusFailed: {StatusPending, StatusSent},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance returns to when the move is allowed.
func (s Status) Advance(to Status) (Status, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, s, to)
	}
	return to, nil
}

// Terminal reports whether no further automatic transition can happen.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// Unconfirmed reports whether the server copy has not been merged yet.
func (s Status) Unconfirmed() bool {
	return s == StatusPending || s == StatusFailed
}
