package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"edu-llm/internal/domain"
)

type ChatMessageRepository interface {
	Create(ctx context.Context, message domain.ChatMessage) error
	// ListRecentBySessionID devuelve los ultimos limit mensajes de la
	// sesion en orden cronologico ascendente.
	ListRecentBySessionID(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error)
}

type PgChatMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgChatMessageRepository(pool *pgxpool.Pool) *PgChatMessageRepository {
	return &PgChatMessageRepository{pool: pool}
}

func (r *PgChatMessageRepository) Create(ctx context.Context, message domain.ChatMessage) error {
	const query = `
		INSERT INTO chat_messages (id, session_id, sender, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query,
		message.ID,
		message.SessionID,
		message.Sender,
		message.Content,
		message.CreatedAt,
	)
	return err
}

func (r *PgChatMessageRepository) ListRecentBySessionID(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `
		SELECT id, session_id, sender, content, created_at
		FROM (
			SELECT id, session_id, sender, content, created_at
			FROM chat_messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Sender,
			&msg.Content,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}
