package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"dayboard/internal/apperr"
	"dayboard/internal/coordinator"
	appLog "dayboard/internal/log"
)

const maxBody = 1 << 16

type loginRequest struct {
	Code string `json:"code"`
}

type visibilityRequest struct {
	Foreground *bool `json:"foreground"`
}

type networkRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleAgenda(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agenda.View())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}
	if err := s.agenda.Login(r.Context(), req.Code); err != nil {
		writeActionError(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, s.agenda.View())
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.agenda.Logout()
	writeJSON(w, http.StatusOK, s.agenda.View())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.agenda.ManualRefresh(r.Context()); err != nil {
		writeActionError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, s.agenda.View())
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing task id")
		return
	}
	if err := s.agenda.CompleteTask(r.Context(), id); err != nil {
		writeActionError(w, "complete task", err)
		return
	}
	writeJSON(w, http.StatusOK, s.agenda.View())
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Foreground == nil {
		writeError(w, http.StatusBadRequest, "missing foreground")
		return
	}
	s.agenda.SetForeground(*req.Foreground)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "missing online")
		return
	}
	s.agenda.NetworkChanged(*req.Online)
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusFor maps an action failure onto the response status.
func statusFor(err error) int {
	var (
		exErr   *apperr.TokenExchangeError
		cfgErr  *apperr.ConfigurationError
		taskErr *apperr.TaskCompletionError
	)
	switch {
	case errors.Is(err, coordinator.ErrNotAuthenticated), apperr.IsAuth(err):
		return http.StatusUnauthorized
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError
	case errors.As(err, &exErr):
		if exErr.Status >= 400 && exErr.Status < 500 {
			return exErr.Status
		}
		return http.StatusBadGateway
	case errors.As(err, &taskErr) && taskErr.Status == http.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func writeActionError(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	appLog.Warn("api action failed", "action", action, "status", status, "err", err.Error())
	writeError(w, status, err.Error())
}
