package adapthttp

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"nutrisync/internal/app"
	"nutrisync/internal/domain"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req app.IngestRequest
	if err := parseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "JSON_INVALIDO", err.Error(), nil)
		return
	}

	res, err := s.ingest.Ingest(r.Context(), userID(r), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusOK, map[string]any{
			"sucesso":    true,
			"duplicata":  true,
			"pesagem_id": res.WeighIn.ID,
			"mensagem":   "leitura repetida ignorada",
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sucesso":             true,
		"pesagem_id":          res.WeighIn.ID,
		"peso_gramas":         res.WeighIn.WeightGrams,
		"unidade_original":    res.WeighIn.UnitOriginal,
		"estavel":             res.WeighIn.Stable,
		"aguardando_alimento": true,
	})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	items, err := s.ingest.ListPending(r.Context(), userID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.PendingWeighIn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pesagens": items})
}

// associateBody names exactly one of a catalog food or an external code.
type associateBody struct {
	FoodID       string     `json:"alimento_id" validate:"required_without=ExternalCode,excluded_with=ExternalCode,max=64"`
	ExternalCode string     `json:"codigo_externo" validate:"max=64"`
	Meal         string     `json:"refeicao" validate:"max=64"`
	ConsumedAt   *time.Time `json:"consumido_em"`
}

func (b associateBody) request() app.AssociateRequest {
	req := app.AssociateRequest{Meal: b.Meal}
	if b.FoodID != "" {
		req.Food = domain.CatalogFood{ID: b.FoodID}
	} else {
		req.Food = domain.ExternalFood{Code: b.ExternalCode}
	}
	if b.ConsumedAt != nil {
		req.ConsumedAt = *b.ConsumedAt
	}
	return req
}

func (s *Server) handleAssociate(w http.ResponseWriter, r *http.Request) {
	var body associateBody
	if err := parseJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "JSON_INVALIDO", err.Error(), nil)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeValidationError(w, err)
		return
	}

	entry, err := s.weighIns.Associate(r.Context(), userID(r), mux.Vars(r)["id"], body.request())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sucesso":           true,
		"registro_id":       entry.ID,
		"macros_calculados": entry.Macros,
	})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.weighIns.Discard(r.Context(), userID(r), mux.Vars(r)["id"]); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sucesso": true, "status": domain.StatusCanceled})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
