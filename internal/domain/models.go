// Package domain defines the core data types shared across the keygate
// server, store, and authority layers.
package domain

import "time"

// License status constants. Status is kept alongside Active for audit
// display; the two always agree.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// MinHWIDLength is the shortest accepted hardware identifier.
const MinHWIDLength = 16

// DefaultRevokeReason is recorded when an operator revokes without a reason.
const DefaultRevokeReason = "admin_revoke"

// License is the record bound to a single HWID.
type License struct {
	HWID          string
	Key           string
	Active        bool
	Status        string
	RegisteredAt  time.Time
	LastChecked   *time.Time
	LastDownload  *time.Time
	RevokedAt     *time.Time
	Registrations int
	Downloads     int
	RevokeReason  string
	LastUser      string
	LastIP        string
}

// Revoke moves the record into the revoked state.
func (l *License) Revoke(reason string, at time.Time) {
	if reason == "" {
		reason = DefaultRevokeReason
	}
	l.Active = false
	l.Status = StatusRevoked
	l.RevokedAt = &at
	l.RevokeReason = reason
}

// Reactivate clears any revocation. It is a no-op on active records.
func (l *License) Reactivate() {
	l.Active = true
	l.Status = StatusActive
	l.RevokedAt = nil
	l.RevokeReason = ""
}

// Reason is the internal cause of a denied authorization decision.
type Reason string

// Denial reasons, in the order the decision checks them.
const (
	ReasonNone           Reason = ""
	ReasonNotRegistered  Reason = "not_registered"
	ReasonInvalidLicense Reason = "invalid_license"
	ReasonInactive       Reason = "inactive"
)

// Event kinds emitted by the authority for metrics and the admin feed.
const (
	EventRegistered  = "registered"
	EventReissued    = "reissued"
	EventVerified    = "verified"
	EventValidated   = "validated"
	EventDenied      = "denied"
	EventDownloaded  = "downloaded"
	EventRevoked     = "revoked"
	EventReactivated = "reactivated"
)

// Event describes a single license state change or check outcome. HWID is
// always masked.
type Event struct {
	Kind     string    `json:"kind"`
	HWID     string    `json:"hwid"`
	ClientIP string    `json:"client_ip,omitempty"`
	Reason   Reason    `json:"reason,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// MaskHWID returns the display form of an HWID: its first 16 characters
// followed by an ellipsis.
func MaskHWID(hwid string) string {
	n := 0
	for i := range hwid {
		if n == MinHWIDLength {
			return hwid[:i] + "..."
		}
		n++
	}
	return hwid + "..."
}
