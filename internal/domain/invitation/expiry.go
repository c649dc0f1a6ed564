package invitation

import "time"

// DefaultValidity is how long an invitation stays open when the caller does
// not choose a window.
const DefaultValidity = 7 * 24 * time.Hour

// IsExpired reports whether an open invitation has outlived its window.
func IsExpired(inv *Invitation, now time.Time) bool {
	return inv.Status.Open() && now.After(inv.ExpiresAt)
}

// ComputeExpiry returns sentAt plus the validity window. A zero window means
// DefaultValidity; a negative one is rejected.
func ComputeExpiry(sentAt time.Time, window time.Duration) (time.Time, error) {
	if window == 0 {
		window = DefaultValidity
	}
	if window < 0 {
		return time.Time{}, invalid("validity window must be positive, got %s", window)
	}
	expiresAt := sentAt.Add(window).UTC().Truncate(time.Microsecond)
	if !expiresAt.After(sentAt) {
		return time.Time{}, invalid("validity window %s is too short", window)
	}
	return expiresAt, nil
}
