package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/koltyakov/keygate/internal/domain"
)

// HeaderAdminSecret carries the admin secret. The legacy "password" query
// parameter is accepted as well.
const HeaderAdminSecret = "X-Admin-Secret"

func adminSecretFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderAdminSecret)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("password"))
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.admin.Verify(adminSecretFromRequest(r)) {
			s.log.Warn("admin authentication failed", "ip", s.clientIP(r), "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, domain.ErrorResponse{Error: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminLicenses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.List(r.Context()))
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats(r.Context()))
}

func (s *Server) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	var req domain.AdminHWIDRequest
	if err := s.bindJSON(w, r, &req); err != nil {
		if rejectOversized(w, err) {
			return
		}
		writeJSON(w, http.StatusBadRequest, domain.AdminActionResponse{Error: "Missing hwid"})
		return
	}
	err := s.svc.Revoke(r.Context(), req.HWID, req.Reason, s.clientIP(r))
	s.writeAdminResult(w, err, "License revoked")
}

func (s *Server) handleAdminReactivate(w http.ResponseWriter, r *http.Request) {
	var req domain.AdminHWIDRequest
	if err := s.bindJSON(w, r, &req); err != nil {
		if rejectOversized(w, err) {
			return
		}
		writeJSON(w, http.StatusBadRequest, domain.AdminActionResponse{Error: "Missing hwid"})
		return
	}
	err := s.svc.Reactivate(r.Context(), req.HWID, s.clientIP(r))
	s.writeAdminResult(w, err, "License reactivated")
}

func (s *Server) writeAdminResult(w http.ResponseWriter, err error, message string) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, domain.AdminActionResponse{Success: true, Message: message})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, domain.AdminActionResponse{Error: "HWID not found"})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, domain.AdminActionResponse{Error: "Missing hwid"})
	default:
		s.log.Error("admin action failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.AdminActionResponse{Error: "Internal error"})
	}
}
