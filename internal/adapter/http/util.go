package adapthttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"nutrisync/internal/app"
	"nutrisync/internal/domain"
)

// errorBody is the uniform error payload.
type errorBody struct {
	Error  string `json:"erro"`
	Code   string `json:"codigo"`
	Detail any    `json:"detalhe,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string, detail any) {
	writeJSON(w, status, errorBody{Error: msg, Code: code, Detail: detail})
}

// writeDomainError maps service errors onto HTTP responses. Unclassified
// errors are logged and reported without their message.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		decodeErr *domain.DecodeError
		validErr  *domain.ValidationError
		rateErr   *domain.RateLimitedError
	)
	switch {
	case errors.As(err, &decodeErr):
		writeError(w, http.StatusBadRequest, "PACOTE_INVALIDO", err.Error(),
			map[string]any{"tipo": decodeErr.Kind, "tamanho": decodeErr.Length})
	case errors.As(err, &validErr):
		writeError(w, http.StatusBadRequest, "VALIDACAO", err.Error(), map[string]any{"campo": validErr.Field})
	case errors.Is(err, domain.ErrMissingReading):
		writeError(w, http.StatusUnprocessableEntity, "LEITURA_AUSENTE", err.Error(), nil)
	case errors.As(err, &rateErr):
		retry := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, rateErr.Code, err.Error(),
			map[string]any{"limite": rateErr.Limit, "tentar_novamente_em_segundos": retry})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NAO_ENCONTRADO", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyAssociated):
		writeError(w, http.StatusBadRequest, "JA_ASSOCIADA", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "TRANSICAO_INVALIDA", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusBadRequest, "CONFLITO", err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthenticated),
		errors.Is(err, app.ErrInvalidToken),
		errors.Is(err, app.ErrTokenReuse):
		writeError(w, http.StatusUnauthorized, "NAO_AUTENTICADO", err.Error(), nil)
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("requestId", app.CorrelationID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ERRO_INTERNO", "erro interno", nil)
	}
}

func parseJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

// writeValidationError reports validator failures field by field.
func writeValidationError(w http.ResponseWriter, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		writeError(w, http.StatusBadRequest, "VALIDACAO", err.Error(), nil)
		return
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
	}
	writeError(w, http.StatusBadRequest, "VALIDACAO", "requisição inválida", fields)
}
