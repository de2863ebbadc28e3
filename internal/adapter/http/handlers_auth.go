package adapthttp

import (
	"net/http"
)

type refreshBody struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := parseJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "JSON_INVALIDO", err.Error(), nil)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeValidationError(w, err)
		return
	}

	pair, err := s.auth.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
