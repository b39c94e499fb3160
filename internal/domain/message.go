package domain

import "time"

// Remitentes validos de un mensaje de chat.
const (
	SenderUser = "USER"
	SenderBot  = "BOT"
)

// ChatMessage es un mensaje inmutable dentro de una sesion,
// ordenado por CreatedAt.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
