// Package conversation derives and validates the topic key shared by both
// participants of a two-party thread.
package conversation

import (
	"regexp"
	"strings"

	"matchtalk/pkg/apperr"
)

// The separator is outside the user id alphabet, so an id splits into its
// two participants in exactly one way.
const separator = "_"

var (
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	userPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,63}$`)
)

// ID returns the canonical conversation id for a pair of users. The lower id
// always comes first so both directions map to the same key. Both ids must
// pass ValidateUser.
func ID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + separator + b
}

// Validate rejects ids that are not safe to use as a subscription path token.
func Validate(id string) error {
	if !idPattern.MatchString(id) {
		return apperr.Validation("invalid conversation id")
	}
	return nil
}

// ValidateUser rejects user ids that cannot take part in a conversation id.
func ValidateUser(userID string) error {
	if !userPattern.MatchString(userID) {
		return apperr.Validation("invalid user id %q", userID)
	}
	return nil
}

// Participants splits a canonical id into its two users.
func Participants(id string) (string, string, bool) {
	a, b, ok := strings.Cut(id, separator)
	if !ok || ValidateUser(a) != nil || ValidateUser(b) != nil || ID(a, b) != id {
		return "", "", false
	}
	return a, b, true
}

// Peer returns the other participant of id as seen from userID.
func Peer(id, userID string) (string, bool) {
	a, b, ok := Participants(id)
	switch {
	case !ok || userID == "":
		return "", false
	case userID == a:
		return b, true
	case userID == b:
		return a, true
	}
	return "", false
}

// IsParticipant reports whether userID is one of the two parties of id.
func IsParticipant(id, userID string) bool {
	_, ok := Peer(id, userID)
	return ok
}
