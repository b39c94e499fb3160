package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"edu-llm/internal/domain"
)

// CoursePayload son los datos del curso guardados junto a su embedding.
type CoursePayload struct {
	Title       string
	Description string
	Level       string
}

// CourseVectorRepository es el almacen vectorial de resumenes de cursos.
type CourseVectorRepository interface {
	Upsert(ctx context.Context, courseID string, embedding pgvector.Vector, payload CoursePayload) error
	Delete(ctx context.Context, courseID string) error
	// Search devuelve hasta k cursos ordenados por similitud descendente.
	Search(ctx context.Context, queryEmbedding pgvector.Vector, k int) ([]domain.CourseSummary, error)
}

type PgCourseVectorRepository struct {
	pool *pgxpool.Pool
}

func NewPgCourseVectorRepository(pool *pgxpool.Pool) *PgCourseVectorRepository {
	return &PgCourseVectorRepository{pool: pool}
}

func (r *PgCourseVectorRepository) Upsert(ctx context.Context, courseID string, embedding pgvector.Vector, payload CoursePayload) error {
	const query = `
		INSERT INTO course_embeddings (course_id, title, description, level, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (course_id) DO UPDATE
		SET title = EXCLUDED.title,
		    description = EXCLUDED.description,
		    level = EXCLUDED.level,
		    embedding = EXCLUDED.embedding,
		    updated_at = now()
	`
	_, err := r.pool.Exec(ctx, query,
		courseID,
		payload.Title,
		payload.Description,
		payload.Level,
		embedding,
	)
	return err
}

func (r *PgCourseVectorRepository) Delete(ctx context.Context, courseID string) error {
	const query = `DELETE FROM course_embeddings WHERE course_id = $1`
	_, err := r.pool.Exec(ctx, query, courseID)
	return err
}

func (r *PgCourseVectorRepository) Search(ctx context.Context, queryEmbedding pgvector.Vector, k int) ([]domain.CourseSummary, error) {
	if k <= 0 {
		k = 5
	}
	// La distancia coseno (<=>) crece al alejarse; el score se invierte
	// para que mayor sea mas parecido.
	const query = `
		SELECT course_id, title, description, level, 1 - (embedding <=> $1) AS score
		FROM course_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, queryEmbedding, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []domain.CourseSummary
	for rows.Next() {
		var c domain.CourseSummary
		if err := rows.Scan(
			&c.CourseID,
			&c.Title,
			&c.Description,
			&c.Level,
			&c.Score,
		); err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return courses, nil
}
