package errors

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Domain sentinels. The engine is consumed as a library, so callers
// branch on these with errors.Is instead of RPC status codes.
var (
	// ErrNoMatch: no partner could be reserved; the searcher is queued.
	ErrNoMatch = errors.New("no match yet")

	// ErrAlreadyRated: the (dialog, rater, ratee, kind) rating exists.
	ErrAlreadyRated = errors.New("already rated")

	// ErrTryAgain: a durable transaction failed without partial effects.
	ErrTryAgain = errors.New("try again")

	// ErrNotInDialog: the user has no active dialog for this operation.
	ErrNotInDialog = errors.New("not in a dialog")

	// ErrInvalidRating: value outside 0..10 or not an integer.
	ErrInvalidRating = errors.New("invalid rating value")

	ErrBanned       = errors.New("user is banned")
	ErrUserNotFound = errors.New("user not found")
)

// Map converts repo/infra errors into domain errors. Keeps the service
// layer clean by centralizing the translation.
func Map(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrUserNotFound

	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrAlreadyRated

	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrTryAgain

	default:
		return err
	}
}

// IsDuplicate reports whether err is a uniqueness-constraint violation.
// GORM's translated sentinel covers Postgres; the string probes cover
// the sqlite driver used in tests.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "duplicate key") ||
		strings.Contains(s, "UNIQUE constraint failed") ||
		strings.Contains(s, "constraint failed: UNIQUE")
}
