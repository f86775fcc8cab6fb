package cache

import (
	"fmt"
	"strings"
)

// Key builders for the shared Redis namespace. Every consumer goes
// through these so the layout stays greppable in one place.

func QueueGlobal() string        { return "queue:global" }
func QueuePremiumGlobal() string { return "queue:premium:global" }

func QueueCity(city string) string {
	return "queue:city:" + strings.ToLower(city)
}

func QueuePremiumCity(city string) string {
	return "queue:premium:city:" + strings.ToLower(city)
}

// LockMatch must stay in sync with the lock_key helper inside the
// reservation script.
func LockMatch(tgID int64) string {
	return fmt.Sprintf("lock:match:%d", tgID)
}

func LockFinishDialog(tgID int64) string {
	return fmt.Sprintf("lock:finish_dialog:%d", tgID)
}

// ActiveDialog mirrors the durable active_dialogs row. Must stay in
// sync with the active_key helper inside the reservation script.
func ActiveDialog(tgID int64) string {
	return fmt.Sprintf("active_dialog:%d", tgID)
}

func DialogPartner(dialogID uint64, tgID int64) string {
	return fmt.Sprintf("dialog:partner:%d:%d", dialogID, tgID)
}

// PendingRating holds the whole post-dialog rating bundle as one JSON
// value (state machine state, not a scatter of flags).
func PendingRating(tgID int64) string {
	return fmt.Sprintf("pending_rating:%d", tgID)
}

func LastPartner(tgID int64) string {
	return fmt.Sprintf("last_partner:%d", tgID)
}

func UserPremium(userID uint64) string {
	return fmt.Sprintf("user:premium:%d", userID)
}

// AppearanceRequired marks that tgID must be asked for an appearance
// rating after dialogID finishes (their partner sent a photo with a
// detected human).
func AppearanceRequired(tgID int64, dialogID uint64) string {
	return fmt.Sprintf("appearance_required:%d:%d", tgID, dialogID)
}

// HumanDetected caches a positive vision verdict per (dialog, sender)
// so repeated photos skip re-detection.
func HumanDetected(dialogID uint64, tgID int64) string {
	return fmt.Sprintf("human_detected:%d:%d", dialogID, tgID)
}

func RateLimitTerminate(tgID int64) string {
	return fmt.Sprintf("rl:terminate:%d", tgID)
}
