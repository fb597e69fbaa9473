package authority

import (
	"context"
	"errors"

	"github.com/koltyakov/keygate/internal/domain"
)

// DownloadResult is a released artifact.
type DownloadResult struct {
	Data    []byte
	Size    int
	Version string
	SHA256  string
}

// Download re-runs the authorization decision and, when it passes, returns
// the artifact and records the download.
//
// The artifact is read outside the store lock, so the decision is taken twice:
// once before the read and again in the update that bumps the counters. A
// revocation that lands in between denies the download.
func (s *Service) Download(ctx context.Context, hwid, key, clientIP string) (DownloadResult, Decision, error) {
	hwid, key, err := normalizeCredentials("download", hwid, key)
	if err != nil {
		return DownloadResult{}, Decision{}, err
	}

	rec, exists := s.store.Get(hwid)
	if dec := decide(rec, exists, key); !dec.Authorized {
		return DownloadResult{}, dec, s.denyDownload(hwid, clientIP, dec)
	}

	art, err := s.artifact.Read(ctx)
	if err != nil {
		s.log.Error("artifact unavailable", "err", err)
		return DownloadResult{}, Decision{Authorized: true, Status: domain.StatusActive}, &domain.LicenseError{
			HWID: hwid,
			Op:   "download",
			Err:  errors.Join(domain.ErrArtifactUnavailable, err),
		}
	}

	var dec Decision
	_, err = s.store.Update(ctx, hwid, func(rec *domain.License, exists bool) (bool, error) {
		dec = decide(*rec, exists, key)
		if !dec.Authorized {
			return false, nil
		}
		now := s.now()
		rec.Downloads++
		rec.LastDownload = &now
		return true, nil
	})
	if err != nil {
		return DownloadResult{}, dec, &domain.LicenseError{HWID: hwid, Op: "download", Err: err}
	}
	if !dec.Authorized {
		return DownloadResult{}, dec, s.denyDownload(hwid, clientIP, dec)
	}

	s.log.Info("artifact downloaded", "hwid", domain.MaskHWID(hwid), "ip", clientIP, "size", len(art.Data))
	s.emit(domain.EventDownloaded, hwid, clientIP, domain.ReasonNone, art.Version)
	return DownloadResult{
		Data:    art.Data,
		Size:    len(art.Data),
		Version: art.Version,
		SHA256:  art.SHA256,
	}, dec, nil
}

func (s *Service) denyDownload(hwid, clientIP string, dec Decision) error {
	s.log.Warn("unauthorized artifact download", "hwid", domain.MaskHWID(hwid), "ip", clientIP, "reason", dec.Reason)
	s.emit(domain.EventDenied, hwid, clientIP, dec.Reason, "download")
	return &domain.LicenseError{HWID: hwid, Op: "download", Err: domain.ErrUnauthorized}
}
