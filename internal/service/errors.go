package service

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotAccessible indica que la sesion pedida pertenece a otro usuario.
var ErrSessionNotAccessible = errors.New("chat session not accessible")

// AdmissionError indica que el limitador de tasa rechazo el turno.
type AdmissionError struct {
	Identity   string
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("rate limited: identity=%s retry_after=%s", e.Identity, e.RetryAfter)
}

// ValidationError indica que el sanitizador rechazo el mensaje. Reason es
// generica: nunca se expone el patron que hizo match.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message not allowed: %s", e.Reason)
}

// ProviderError indica un fallo del proveedor de completions en la via
// no-streaming.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("completion provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
