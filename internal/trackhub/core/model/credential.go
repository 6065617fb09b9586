package model

import "time"

// Credential is a rotating bearer secret bound to a (unit, device) pair.
// Only the digest of the secret is ever stored.
type Credential struct {
	ID       int64
	UnitID   string
	DeviceID string

	// Digest is the one-way hash of the plaintext secret. It is unique across all stored credentials.
	Digest []byte

	CreatedAt time.Time

	// ExpiresAt is nil for credentials that never expire.
	ExpiresAt *time.Time

	// LastUsedAt is updated on a best-effort basis after a successful verification.
	LastUsedAt *time.Time

	Revoked bool
}

// Expired reports whether the credential has reached its expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Usable reports whether the credential can currently authenticate a device.
func (c *Credential) Usable(now time.Time) bool {
	return !c.Revoked && !c.Expired(now)
}

// Reapable reports whether the credential is dead (revoked or expired) and was created before cutoff.
func (c *Credential) Reapable(now, cutoff time.Time) bool {
	return (c.Revoked || c.Expired(now)) && c.CreatedAt.Before(cutoff)
}
