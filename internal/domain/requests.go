package domain

import (
	"strings"
	"time"
)

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	HWID string `json:"hwid" validate:"required,min=16"`
}

// RegisterResponse reports the issued key. Registered is true when the HWID
// already had a record and the existing key was returned.
type RegisterResponse struct {
	Success    bool   `json:"success"`
	License    string `json:"license,omitempty"`
	Registered bool   `json:"registered"`
	Error      string `json:"error,omitempty"`
}

// CredentialsRequest is the body of POST /auth/verify and POST /mod/download.
type CredentialsRequest struct {
	HWID    string `json:"hwid" validate:"required"`
	License string `json:"license" validate:"required"`
}

// VerifyResponse is the structured presentation of an authorization decision.
type VerifyResponse struct {
	Success    bool   `json:"success"`
	Authorized bool   `json:"authorized"`
	Reason     Reason `json:"reason,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ValidateRequest is the body of POST /auth/validate.
type ValidateRequest struct {
	HWID       string `json:"hwid" validate:"required"`
	LicenseKey string `json:"license_key" validate:"required"`
	Username   string `json:"username"`
	Mode       string `json:"mode"`
}

// ValidateResponse is the compatibility presentation of an authorization
// decision.
type ValidateResponse struct {
	Valid         bool       `json:"valid"`
	Authenticated bool       `json:"authenticated,omitempty"`
	Username      string     `json:"username,omitempty"`
	HWID          string     `json:"hwid,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// DownloadResponse is the failure body of POST /mod/download.
type DownloadResponse struct {
	Success    bool   `json:"success"`
	Authorized *bool  `json:"authorized,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DownloadSuccessResponse carries the base64-encoded artifact. Mod and Size
// are always present, even for an empty artifact.
type DownloadSuccessResponse struct {
	Success bool   `json:"success"`
	Mod     string `json:"mod"`
	Size    int    `json:"size"`
	Version string `json:"version"`
	SHA256  string `json:"sha256"`
}

// AdminHWIDRequest is the body of POST /admin/revoke and /admin/reactivate.
type AdminHWIDRequest struct {
	HWID   string `json:"hwid" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// AdminActionResponse acknowledges an admin state transition.
type AdminActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LicenseSummary is the masked admin view of one record.
type LicenseSummary struct {
	HWID          string     `json:"hwid"`
	Status        string     `json:"status"`
	Active        bool       `json:"active"`
	RegisteredAt  time.Time  `json:"registered_at"`
	LastChecked   *time.Time `json:"last_checked"`
	LastDownload  *time.Time `json:"last_download"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokeReason  string     `json:"revoke_reason,omitempty"`
	Downloads     int        `json:"downloads"`
	Registrations int        `json:"registrations"`
	LastUser      string     `json:"last_user,omitempty"`
}

// LicenseListResponse is the body of GET /admin/licenses.
type LicenseListResponse struct {
	TotalLicenses int              `json:"total_licenses"`
	Active        int              `json:"active"`
	Inactive      int              `json:"inactive"`
	Licenses      []LicenseSummary `json:"licenses"`
}

// RecentActivity is one row of the stats activity list.
type RecentActivity struct {
	HWID        string     `json:"hwid"`
	LastChecked *time.Time `json:"last_checked"`
	Status      string     `json:"status"`
}

// StatsResponse is the body of GET /admin/stats.
type StatsResponse struct {
	Timestamp      time.Time        `json:"timestamp"`
	TotalLicenses  int              `json:"total_licenses"`
	ActiveLicenses int              `json:"active_licenses"`
	TotalDownloads int              `json:"total_downloads"`
	RecentActivity []RecentActivity `json:"recent_activity"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Server    string    `json:"server"`
	ServerID  string    `json:"server_id"`
	Storage   string    `json:"storage"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the JSON body returned for generic errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Trim strips surrounding whitespace from the identifying fields.
func (r *RegisterRequest) Trim() { r.HWID = strings.TrimSpace(r.HWID) }

// Trim strips surrounding whitespace from the credentials.
func (r *CredentialsRequest) Trim() {
	r.HWID = strings.TrimSpace(r.HWID)
	r.License = strings.TrimSpace(r.License)
}

// Trim strips surrounding whitespace from every field.
func (r *ValidateRequest) Trim() {
	r.HWID = strings.TrimSpace(r.HWID)
	r.LicenseKey = strings.TrimSpace(r.LicenseKey)
	r.Username = strings.TrimSpace(r.Username)
	r.Mode = strings.TrimSpace(r.Mode)
}

// Trim strips surrounding whitespace from every field.
func (r *AdminHWIDRequest) Trim() {
	r.HWID = strings.TrimSpace(r.HWID)
	r.Reason = strings.TrimSpace(r.Reason)
}
