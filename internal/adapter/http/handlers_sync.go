package adapthttp

import (
	"net/http"
	"strings"

	"nutrisync/internal/app"
)

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req app.PullRequest
	if err := s.query.Decode(&req, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, "CONSULTA_INVALIDA", err.Error(), nil)
		return
	}
	req.Tables = splitTables(req.Tables)

	resp, err := s.sync.Pull(r.Context(), userID(r), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// splitTables accepts both repeated and comma-separated tables parameters.
func splitTables(in []string) []string {
	var out []string
	for _, v := range in {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req app.PushRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "JSON_INVALIDO", err.Error(), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	resp, err := s.sync.Push(r.Context(), userID(r), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
