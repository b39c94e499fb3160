package domain

// SanitizationVerdict es el resultado de validar el mensaje del usuario.
// El rechazo es un resultado esperado, no un error del programa.
type SanitizationVerdict struct {
	Accepted       bool   `json:"accepted"`
	NormalizedText string `json:"normalized_text,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
