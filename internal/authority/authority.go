// Package authority implements license issuance, verification, the artifact
// download gate and the admin state transitions on top of the license store.
//
// Verify, Validate and Download all reach their verdict through one decision
// function evaluated under the store lock, so the three surfaces cannot
// disagree about whether a (hwid, key) pair is authorized.
package authority

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/koltyakov/keygate/internal/artifact"
	"github.com/koltyakov/keygate/internal/auth"
	"github.com/koltyakov/keygate/internal/domain"
	"github.com/koltyakov/keygate/internal/store"
)

// DefaultUsername and DefaultMode fill in Validate fields the caller omitted.
const (
	DefaultUsername = "Player"
	DefaultMode     = "login"
)

// dummyKey is compared against when the HWID is unknown so the miss costs the
// same as a wrong key.
const dummyKey = "00000000000000000000000000000000"

// LicenseStore is the subset of store.Store the service needs.
type LicenseStore interface {
	Get(hwid string) (domain.License, bool)
	All() map[string]domain.License
	Update(ctx context.Context, hwid string, fn store.UpdateFunc) (domain.License, error)
}

// ArtifactSource supplies the protected blob.
type ArtifactSource interface {
	Read(ctx context.Context) (artifact.Artifact, error)
}

// EventSink receives license events. Publish must not block.
type EventSink interface {
	Publish(domain.Event)
}

// Options tunes a [Service].
type Options struct {
	// DistinctDenyReasons reports not_registered to callers instead of
	// folding it into invalid_license.
	DistinctDenyReasons bool
	Logger              *slog.Logger
	Events              EventSink
	Now                 func() time.Time
	NewKey              func() (string, error)
}

// Service is the license authority.
type Service struct {
	store    LicenseStore
	artifact ArtifactSource
	log      *slog.Logger
	events   EventSink
	now      func() time.Time
	newKey   func() (string, error)
	distinct bool
}

// Decision is the outcome of an authorization check. Reason is the internal
// cause; use [Service.PublicReason] before showing it to a client.
type Decision struct {
	Authorized bool
	Reason     domain.Reason
	Status     string
}

// ValidateInput carries the compatibility-surface check parameters.
type ValidateInput struct {
	HWID     string
	Key      string
	Username string
	Mode     string
	ClientIP string
}

// ValidateResult is the outcome of Validate.
type ValidateResult struct {
	Decision
	Username   string
	MaskedHWID string
	Mode       string
	Timestamp  time.Time
}

// New creates a Service backed by st and art.
func New(st LicenseStore, art ArtifactSource, opts Options) *Service {
	s := &Service{
		store:    st,
		artifact: art,
		log:      opts.Logger,
		events:   opts.Events,
		now:      opts.Now,
		newKey:   opts.NewKey,
		distinct: opts.DistinctDenyReasons,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newKey == nil {
		s.newKey = auth.GenerateLicenseKey
	}
	return s
}

// Register issues a license key for hwid. An HWID that already has a record
// gets its existing key back with isNew=false and its registration counter
// bumped; a revoked record stays revoked.
func (s *Service) Register(ctx context.Context, hwid, clientIP string) (key string, isNew bool, err error) {
	hwid = strings.TrimSpace(hwid)
	if len(hwid) < domain.MinHWIDLength {
		return "", false, &domain.LicenseError{Op: "register", Err: domain.ErrInvalidInput}
	}

	rec, err := s.store.Update(ctx, hwid, func(rec *domain.License, exists bool) (bool, error) {
		if exists {
			rec.Registrations++
			return true, nil
		}
		newKey, err := s.newKey()
		if err != nil {
			return false, fmt.Errorf("generate license key: %w", err)
		}
		now := s.now()
		*rec = domain.License{
			HWID:          hwid,
			Key:           newKey,
			Active:        true,
			Status:        domain.StatusActive,
			RegisteredAt:  now,
			LastChecked:   &now,
			Registrations: 1,
			LastIP:        clientIP,
		}
		isNew = true
		return true, nil
	})
	if err != nil {
		return "", false, &domain.LicenseError{HWID: hwid, Op: "register", Err: err}
	}

	kind := domain.EventReissued
	if isNew {
		kind = domain.EventRegistered
		s.log.Info("license registered", "hwid", domain.MaskHWID(hwid), "ip", clientIP)
	} else {
		s.log.Info("license re-issued", "hwid", domain.MaskHWID(hwid), "ip", clientIP,
			"registrations", rec.Registrations, "status", rec.Status)
	}
	s.emit(kind, hwid, clientIP, domain.ReasonNone, "")
	return rec.Key, isNew, nil
}

// Verify checks the (hwid, key) pair and, when authorized, records the check
// time and client IP.
func (s *Service) Verify(ctx context.Context, hwid, key, clientIP string) (Decision, error) {
	hwid, key, err := normalizeCredentials("verify", hwid, key)
	if err != nil {
		return Decision{}, err
	}

	dec, _, err := s.check(ctx, hwid, key, func(rec *domain.License, now time.Time) {
		rec.LastChecked = &now
		rec.LastIP = clientIP
	})
	if err != nil {
		return Decision{}, err
	}
	s.record("verify", domain.EventVerified, hwid, clientIP, dec, "")
	return dec, nil
}

// Validate is Verify for the compatibility surface: it also records the
// username and returns a masked HWID and timestamp.
func (s *Service) Validate(ctx context.Context, in ValidateInput) (ValidateResult, error) {
	hwid, key, err := normalizeCredentials("validate", in.HWID, in.Key)
	if err != nil {
		return ValidateResult{}, err
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		username = DefaultUsername
	}
	mode := strings.TrimSpace(in.Mode)
	if mode == "" {
		mode = DefaultMode
	}

	var checkedAt time.Time
	dec, _, err := s.check(ctx, hwid, key, func(rec *domain.License, now time.Time) {
		checkedAt = now
		rec.LastChecked = &now
		rec.LastUser = username
		rec.LastIP = in.ClientIP
	})
	if err != nil {
		return ValidateResult{}, err
	}
	s.record("validate", domain.EventValidated, hwid, in.ClientIP, dec, strings.ToUpper(mode)+" "+username)

	res := ValidateResult{Decision: dec, Username: username, Mode: mode}
	if dec.Authorized {
		res.MaskedHWID = domain.MaskHWID(hwid)
		res.Timestamp = checkedAt
	}
	return res, nil
}

// PublicReason maps an internal denial reason to the one shown to clients.
// Unknown HWIDs are reported as invalid_license unless distinct reasons are
// enabled.
func (s *Service) PublicReason(r domain.Reason) domain.Reason {
	if r == domain.ReasonNotRegistered && !s.distinct {
		return domain.ReasonInvalidLicense
	}
	return r
}

// check evaluates the decision for (hwid, key) and applies touch to the record
// when authorized, all under one store update.
func (s *Service) check(ctx context.Context, hwid, key string, touch func(rec *domain.License, now time.Time)) (Decision, domain.License, error) {
	var dec Decision
	rec, err := s.store.Update(ctx, hwid, func(rec *domain.License, exists bool) (bool, error) {
		dec = decide(*rec, exists, key)
		if !dec.Authorized {
			return false, nil
		}
		touch(rec, s.now())
		return true, nil
	})
	if err != nil {
		return Decision{}, rec, &domain.LicenseError{HWID: hwid, Op: "check", Err: err}
	}
	return dec, rec, nil
}

// decide is the single authorization rule: unknown, then key mismatch, then
// inactive.
func decide(rec domain.License, exists bool, key string) Decision {
	stored := rec.Key
	if !exists {
		stored = dummyKey
	}
	keyOK := auth.KeysEqual(stored, key)

	switch {
	case !exists:
		return Decision{Reason: domain.ReasonNotRegistered}
	case !keyOK:
		return Decision{Reason: domain.ReasonInvalidLicense}
	case !rec.Active:
		return Decision{Reason: domain.ReasonInactive, Status: domain.StatusRevoked}
	}
	return Decision{Authorized: true, Status: domain.StatusActive}
}

func (s *Service) record(op, kind, hwid, clientIP string, dec Decision, detail string) {
	if dec.Authorized {
		s.log.Info("license "+op+" ok", "hwid", domain.MaskHWID(hwid), "ip", clientIP)
		s.emit(kind, hwid, clientIP, domain.ReasonNone, detail)
		return
	}
	s.log.Warn("license "+op+" denied", "hwid", domain.MaskHWID(hwid), "ip", clientIP, "reason", dec.Reason)
	s.emit(domain.EventDenied, hwid, clientIP, dec.Reason, op)
}

func (s *Service) emit(kind, hwid, clientIP string, reason domain.Reason, detail string) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.Event{
		Kind:     kind,
		HWID:     domain.MaskHWID(hwid),
		ClientIP: clientIP,
		Reason:   reason,
		Detail:   detail,
		At:       s.now(),
	})
}

func normalizeCredentials(op, hwid, key string) (string, string, error) {
	hwid = strings.TrimSpace(hwid)
	key = strings.TrimSpace(key)
	if hwid == "" || key == "" {
		return "", "", &domain.LicenseError{Op: op, Err: domain.ErrInvalidInput}
	}
	return hwid, key, nil
}
