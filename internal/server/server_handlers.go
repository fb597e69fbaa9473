package server

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/koltyakov/keygate/internal/authority"
	"github.com/koltyakov/keygate/internal/domain"
)

// trimmer is implemented by request bodies that normalize their own fields.
type trimmer interface {
	Trim()
}

// bindJSON decodes, trims and validates a request body.
func (s *Server) bindJSON(w http.ResponseWriter, r *http.Request, dst trimmer) error {
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, dst); err != nil {
		return err
	}
	dst.Trim()
	return s.validate.Struct(dst)
}

// rejectOversized writes 413 when err is a body size violation.
func rejectOversized(w http.ResponseWriter, err error) bool {
	if !isBodyTooLargeError(err) {
		return false
	}
	writeJSON(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{Error: "Request body too large"})
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := s.bindJSON(w, r, &req); err != nil {
		if rejectOversized(w, err) {
			return
		}
		writeJSON(w, http.StatusBadRequest, domain.RegisterResponse{Error: "Invalid HWID"})
		return
	}

	key, isNew, err := s.svc.Register(r.Context(), req.HWID, s.clientIP(r))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, domain.RegisterResponse{Error: "Invalid HWID"})
			return
		}
		s.log.Error("register failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.RegisterResponse{Error: "Internal error"})
		return
	}
	writeJSON(w, http.StatusOK, domain.RegisterResponse{
		Success:    true,
		License:    key,
		Registered: !isNew,
	})
}

// handleVerify is the structured presentation of the authorization decision.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req domain.CredentialsRequest
	if err := s.bindJSON(w, r, &req); err != nil {
		if rejectOversized(w, err) {
			return
		}
		writeJSON(w, http.StatusBadRequest, domain.VerifyResponse{})
		return
	}

	dec, err := s.svc.Verify(r.Context(), req.HWID, req.License, s.clientIP(r))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, domain.VerifyResponse{})
			return
		}
		s.log.Error("verify failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.VerifyResponse{Error: "Internal error"})
		return
	}
	if !dec.Authorized {
		writeJSON(w, http.StatusOK, domain.VerifyResponse{
			Success: true,
			Reason:  s.svc.PublicReason(dec.Reason),
		})
		return
	}
	writeJSON(w, http.StatusOK, domain.VerifyResponse{
		Success:    true,
		Authorized: true,
		Status:     dec.Status,
	})
}

// handleValidate is the compatibility presentation of the same decision.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req domain.ValidateRequest
	if err := s.bindJSON(w, r, &req); err != nil {
		if rejectOversized(w, err) {
			return
		}
		writeJSON(w, http.StatusBadRequest, domain.ValidateResponse{Error: "Missing hwid or license_key"})
		return
	}

	res, err := s.svc.Validate(r.Context(), authority.ValidateInput{
		HWID:     req.HWID,
		Key:      req.LicenseKey,
		Username: req.Username,
		Mode:     req.Mode,
		ClientIP: s.clientIP(r),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, domain.ValidateResponse{Error: "Missing hwid or license_key"})
			return
		}
		s.log.Error("validate failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.ValidateResponse{Error: "Server error"})
		return
	}
	if !res.Authorized {
		writeJSON(w, http.StatusOK, domain.ValidateResponse{Error: validateDenial(s.svc.PublicReason(res.Reason))})
		return
	}
	ts := res.Timestamp.UTC()
	writeJSON(w, http.StatusOK, domain.ValidateResponse{
		Valid:         true,
		Authenticated: true,
		Username:      res.Username,
		HWID:          res.MaskedHWID,
		Timestamp:     &ts,
	})
}

func validateDenial(reason domain.Reason) string {
	switch reason {
	case domain.ReasonNotRegistered:
		return "Not registered"
	case domain.ReasonInactive:
		return "License inactive"
	default:
		return "Invalid license key"
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req domain.CredentialsRequest
	if err := s.bindJSON(w, r, &req); err != nil {
		if rejectOversized(w, err) {
			return
		}
		writeJSON(w, http.StatusBadRequest, domain.DownloadResponse{Error: "Missing credentials"})
		return
	}

	res, _, err := s.svc.Download(r.Context(), req.HWID, req.License, s.clientIP(r))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, domain.DownloadResponse{Error: "Missing credentials"})
		return
	case errors.Is(err, domain.ErrUnauthorized):
		authorized := false
		writeJSON(w, http.StatusForbidden, domain.DownloadResponse{Authorized: &authorized})
		return
	case errors.Is(err, domain.ErrArtifactUnavailable):
		writeJSON(w, http.StatusInternalServerError, domain.DownloadResponse{Error: "Mod unavailable"})
		return
	default:
		s.log.Error("download failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.DownloadResponse{Error: "Internal error"})
		return
	}

	writeJSON(w, http.StatusOK, domain.DownloadSuccessResponse{
		Success: true,
		Mod:     base64.StdEncoding.EncodeToString(res.Data),
		Size:    res.Size,
		Version: res.Version,
		SHA256:  res.SHA256,
	})
}
