package domain

import "time"

// SessionMode indica el comportamiento del asistente dentro de la sesion.
type SessionMode string

const (
	// ModeGeneral responde dudas generales sin contexto de cursos.
	ModeGeneral SessionMode = "GENERAL"
	// ModeAdvisor recomienda cursos usando recuperacion semantica.
	ModeAdvisor SessionMode = "ADVISOR"
)

// ValidMode reporta si el modo es uno de los soportados.
func ValidMode(m SessionMode) bool {
	return m == ModeGeneral || m == ModeAdvisor
}

// ChatSession agrupa los turnos de conversacion de un usuario.
// El modo es inmutable despues de la creacion.
type ChatSession struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Mode           SessionMode       `json:"mode"`
	Context        map[string]string `json:"context,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}
