package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for unknown ids and for ids owned by another
	// user; the two cases are indistinguishable to callers.
	ErrNotFound = errors.New("registro não encontrado")
	// ErrAlreadyAssociated is returned when a weigh-in has already been
	// linked to a food. The loser of an association race receives it too.
	ErrAlreadyAssociated = errors.New("pesagem já associada")
	// ErrInvalidTransition is returned when a weigh-in is not PENDENTE.
	ErrInvalidTransition = errors.New("transição de estado inválida")
	// ErrConflict is returned when a conditional update lost to a concurrent
	// writer and the current state could not be classified further.
	ErrConflict = errors.New("conflito de concorrência")
	// ErrIdempotencyReplay is returned when a push batch was already applied.
	ErrIdempotencyReplay = errors.New("lote já processado")
	// ErrMissingReading is returned when a submission has neither a packet
	// nor a manual weight.
	ErrMissingReading = errors.New("informe pacote_hex ou peso e unidade")
	// ErrUnauthenticated is returned when the caller identity cannot be resolved.
	ErrUnauthenticated = errors.New("não autenticado")
)

// DecodeErrorKind classifies a packet decoding failure.
type DecodeErrorKind string

const (
	InvalidHex    DecodeErrorKind = "INVALID_HEX"
	InvalidLength DecodeErrorKind = "INVALID_LENGTH"
)

// DecodeError reports a malformed or mis-sized packet.
type DecodeError struct {
	Kind   DecodeErrorKind
	Length int
}

func (e *DecodeError) Error() string {
	if e.Kind == InvalidLength {
		return fmt.Sprintf("pacote com tamanho inválido: %d bytes (esperado 14 ou 20)", e.Length)
	}
	return "pacote hexadecimal inválido"
}

// ValidationError reports an out-of-bound or missing value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// RateLimitCode is the machine-readable code carried by rate-limit rejections.
const RateLimitCode = "BLE_RATE_LIMIT"

// RateLimitedError is returned when a (user, device) pair exhausted its
// request budget for the current window.
type RateLimitedError struct {
	Code       string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("limite de %d pesagens por janela excedido, tente novamente em %s", e.Limit, e.RetryAfter.Round(time.Second))
}

// IsClientError reports whether err is a decode or validation failure.
func IsClientError(err error) bool {
	var de *DecodeError
	var ve *ValidationError
	return errors.As(err, &de) || errors.As(err, &ve)
}
