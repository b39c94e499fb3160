package llm

import "context"

// Roles de los mensajes enviados al proveedor de completions.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message es un turno del prompt en formato chat.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk es un fragmento de la respuesta en streaming. Err viene
// en el ultimo chunk cuando el stream termina con fallo; despues de
// emitirlo el canal se cierra.
type StreamChunk struct {
	Content string
	Err     error
}

// CompletionProvider define la interfaz para generar respuestas con un LLM.
type CompletionProvider interface {
	// Complete genera la respuesta completa de forma bloqueante.
	Complete(ctx context.Context, messages []Message) (string, error)
	// CompleteStreaming devuelve un canal de fragmentos de texto. El
	// productor respeta la cancelacion de ctx y siempre cierra el canal.
	CompleteStreaming(ctx context.Context, messages []Message) (<-chan StreamChunk, error)
}

// Embedder define la interfaz para generar vectores de embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch degrada por elemento a un vector cero en vez de
	// abortar el lote completo.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
