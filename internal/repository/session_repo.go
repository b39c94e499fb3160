package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"edu-llm/internal/domain"
)

// ErrSessionNotFound indica que la sesion no existe.
var ErrSessionNotFound = errors.New("chat session not found")

type ChatSessionRepository interface {
	Create(ctx context.Context, session domain.ChatSession) error
	GetByID(ctx context.Context, id string) (domain.ChatSession, error)
	TouchActivity(ctx context.Context, id string, at time.Time) error
	// DeleteInactiveBefore elimina sesiones sin actividad desde cutoff
	// (los mensajes caen en cascada) y devuelve cuantas borro.
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type PgChatSessionRepository struct {
	pool *pgxpool.Pool
}

func NewPgChatSessionRepository(pool *pgxpool.Pool) *PgChatSessionRepository {
	return &PgChatSessionRepository{pool: pool}
}

func (r *PgChatSessionRepository) Create(ctx context.Context, session domain.ChatSession) error {
	const query = `
		INSERT INTO chat_sessions (id, user_id, mode, context, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	contextJSON, err := json.Marshal(session.Context)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, query,
		session.ID,
		session.UserID,
		string(session.Mode),
		contextJSON,
		session.StartedAt,
		session.LastActivityAt,
	)
	return err
}

func (r *PgChatSessionRepository) GetByID(ctx context.Context, id string) (domain.ChatSession, error) {
	const query = `
		SELECT id, user_id, mode, context, started_at, last_activity_at
		FROM chat_sessions
		WHERE id = $1
	`
	var (
		session     domain.ChatSession
		mode        string
		contextJSON []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.UserID,
		&mode,
		&contextJSON,
		&session.StartedAt,
		&session.LastActivityAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatSession{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.ChatSession{}, err
	}

	session.Mode = domain.SessionMode(mode)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &session.Context); err != nil {
			return domain.ChatSession{}, err
		}
	}
	return session, nil
}

func (r *PgChatSessionRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE chat_sessions
		SET last_activity_at = $2
		WHERE id = $1 AND last_activity_at < $2
	`
	_, err := r.pool.Exec(ctx, query, id, at)
	return err
}

func (r *PgChatSessionRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM chat_sessions
		WHERE last_activity_at < $1
	`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
