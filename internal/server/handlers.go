package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      userView  `json:"user"`
}

type userView struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	Role        types.Role `json:"role"`
}

func viewUser(u *types.User) userView {
	return userView{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, Role: u.Role}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, edgeerr.Wrapf(edgeerr.KindInvalid, err, "malformed login"))
		return
	}
	sess, u, err := s.opts.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		User:      viewUser(u),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.writeError(w, edgeerr.ErrUnauthorized)
		return
	}
	if err := s.opts.Auth.Logout(r.Context(), token); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, viewUser(userFrom(r)))
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos := s.opts.Dispatcher.Position(r.PathValue("id"))
	s.writeJSON(w, http.StatusOK, map[string]int{"position": pos})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Dispatcher.Cancel(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := s.opts.Meta.ListChatEntries(r.Context(), userFrom(r).ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := s.opts.Meta.ListSubjects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subjects": subjects})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Dispatcher.Stats())
}

func (s *Server) handleListVKPs(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("subject")
	grade, _ := strconv.Atoi(r.URL.Query().Get("grade"))
	installs, err := s.opts.Meta.ListVKPs(r.Context(), code, grade)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"installs": installs})
}

type rollbackRequest struct {
	SubjectCode string `json:"subject_code"`
	Grade       int    `json:"grade"`
	Version     string `json:"version"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, edgeerr.Wrapf(edgeerr.KindInvalid, err, "malformed rollback request"))
		return
	}
	if err := s.opts.VKP.Rollback(r.Context(), req.SubjectCode, req.Grade, req.Version); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.opts.Supervisor.Report()
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}
