package authority

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/koltyakov/keygate/internal/domain"
)

// RecentActivityLimit caps the stats activity list.
const RecentActivityLimit = 10

// List returns every record with its HWID masked, ordered by registration.
func (s *Service) List(_ context.Context) domain.LicenseListResponse {
	all := s.store.All()
	out := domain.LicenseListResponse{
		TotalLicenses: len(all),
		Licenses:      make([]domain.LicenseSummary, 0, len(all)),
	}
	for _, rec := range all {
		if rec.Active {
			out.Active++
		} else {
			out.Inactive++
		}
		out.Licenses = append(out.Licenses, domain.LicenseSummary{
			HWID:          domain.MaskHWID(rec.HWID),
			Status:        rec.Status,
			Active:        rec.Active,
			RegisteredAt:  rec.RegisteredAt,
			LastChecked:   rec.LastChecked,
			LastDownload:  rec.LastDownload,
			RevokedAt:     rec.RevokedAt,
			RevokeReason:  rec.RevokeReason,
			Downloads:     rec.Downloads,
			Registrations: rec.Registrations,
			LastUser:      rec.LastUser,
		})
	}
	sort.Slice(out.Licenses, func(i, j int) bool {
		a, b := out.Licenses[i], out.Licenses[j]
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		return a.HWID < b.HWID
	})
	return out
}

// Stats returns aggregate counts and the most recently checked records.
func (s *Service) Stats(_ context.Context) domain.StatsResponse {
	all := s.store.All()
	out := domain.StatsResponse{
		Timestamp:     s.now(),
		TotalLicenses: len(all),
	}
	recs := make([]domain.License, 0, len(all))
	for _, rec := range all {
		if rec.Active {
			out.ActiveLicenses++
		}
		out.TotalDownloads += rec.Downloads
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := lastActivity(recs[i]), lastActivity(recs[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return recs[i].HWID < recs[j].HWID
	})
	if len(recs) > RecentActivityLimit {
		recs = recs[:RecentActivityLimit]
	}
	out.RecentActivity = make([]domain.RecentActivity, 0, len(recs))
	for _, rec := range recs {
		out.RecentActivity = append(out.RecentActivity, domain.RecentActivity{
			HWID:        domain.MaskHWID(rec.HWID),
			LastChecked: rec.LastChecked,
			Status:      rec.Status,
		})
	}
	return out
}

// Revoke deactivates the license for hwid. An empty reason records the
// default admin reason.
func (s *Service) Revoke(ctx context.Context, hwid, reason, actorIP string) error {
	hwid = strings.TrimSpace(hwid)
	if hwid == "" {
		return &domain.LicenseError{Op: "revoke", Err: domain.ErrInvalidInput}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.DefaultRevokeReason
	}

	_, err := s.store.Update(ctx, hwid, func(rec *domain.License, exists bool) (bool, error) {
		if !exists {
			return false, domain.ErrNotFound
		}
		rec.Revoke(reason, s.now())
		return true, nil
	})
	if err != nil {
		return &domain.LicenseError{HWID: hwid, Op: "revoke", Err: err}
	}

	s.log.Warn("license revoked", "hwid", domain.MaskHWID(hwid), "reason", reason, "ip", actorIP)
	s.emit(domain.EventRevoked, hwid, actorIP, domain.ReasonNone, reason)
	return nil
}

// Reactivate clears any revocation on hwid. Reactivating an active license
// is a no-op that still succeeds.
func (s *Service) Reactivate(ctx context.Context, hwid, actorIP string) error {
	hwid = strings.TrimSpace(hwid)
	if hwid == "" {
		return &domain.LicenseError{Op: "reactivate", Err: domain.ErrInvalidInput}
	}

	_, err := s.store.Update(ctx, hwid, func(rec *domain.License, exists bool) (bool, error) {
		if !exists {
			return false, domain.ErrNotFound
		}
		if rec.Active && rec.RevokedAt == nil && rec.RevokeReason == "" {
			return false, nil
		}
		rec.Reactivate()
		return true, nil
	})
	if err != nil {
		return &domain.LicenseError{HWID: hwid, Op: "reactivate", Err: err}
	}

	s.log.Info("license reactivated", "hwid", domain.MaskHWID(hwid), "ip", actorIP)
	s.emit(domain.EventReactivated, hwid, actorIP, domain.ReasonNone, "")
	return nil
}

// lastActivity orders records for the stats view. Never-checked records sort
// last.
func lastActivity(rec domain.License) time.Time {
	if rec.LastChecked == nil {
		return time.Time{}
	}
	return *rec.LastChecked
}
