package model

import "time"

// Lock represents an acquired named-resource mutual exclusion record
// (spec §3, §4.2). At most one Lock may exist per ResourceID with
// ExpiresAt > now.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
