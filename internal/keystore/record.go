package keystore

import "time"

// Status represents the lifecycle status of a key.
type Status string

// Key lifecycle statuses. Revoked is terminal.
const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusRevoked    Status = "revoked"
)

// Record is the stored metadata for one issued credential. The raw
// secret is never stored; the SHA-256 digest is the primary key.
type Record struct {
	// Hash is the hex-encoded SHA-256 digest of the secret.
	Hash string `json:"hash"`

	// Name is a human-readable name for the key.
	Name string `json:"name"`

	// Description is free-text metadata.
	Description string `json:"description,omitempty"`

	// Status is the lifecycle status.
	Status Status `json:"status"`

	// CreatedAt is when the key was issued.
	CreatedAt time.Time `json:"created_at"`

	// LastUsed is when the key last authenticated successfully.
	LastUsed *time.Time `json:"last_used"`

	// UsageCount is the number of successful authentications.
	UsageCount int64 `json:"usage_count"`

	// DeprecatedAt and GraceUntil are set only while deprecated.
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`
	GraceUntil   *time.Time `json:"grace_until,omitempty"`

	// RevokedAt is set once revoked.
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	out.LastUsed = cloneTime(r.LastUsed)
	out.DeprecatedAt = cloneTime(r.DeprecatedAt)
	out.GraceUntil = cloneTime(r.GraceUntil)
	out.RevokedAt = cloneTime(r.RevokedAt)
	return &out
}

// GraceExpired reports whether a deprecated record is past its grace
// window at the given time.
func (r *Record) GraceExpired(now time.Time) bool {
	return r.Status == StatusDeprecated && r.GraceUntil != nil && now.After(*r.GraceUntil)
}

// ShortHash returns a truncated hash suitable for logs and listings.
func (r *Record) ShortHash() string {
	return ShortHash(r.Hash)
}

// ShortHash truncates a key hash for display.
func ShortHash(hash string) string {
	const n = 16
	if len(hash) <= n {
		return hash
	}
	return hash[:n] + "..."
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
