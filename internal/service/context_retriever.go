package service

import (
	"context"

	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"edu-llm/internal/domain"
	"edu-llm/internal/llm"
	"edu-llm/internal/repository"
)

// ContextRetriever recupera resumenes de cursos relevantes para el modo
// asesor. Cualquier fallo del embedder o del almacen vectorial degrada a un
// resultado vacio: la recuperacion nunca aborta un turno de chat.
type ContextRetriever struct {
	embedder llm.Embedder
	courses  repository.CourseVectorRepository
	logger   *zap.Logger
}

func NewContextRetriever(embedder llm.Embedder, courses repository.CourseVectorRepository, logger *zap.Logger) *ContextRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextRetriever{
		embedder: embedder,
		courses:  courses,
		logger:   logger,
	}
}

// RetrieveCourseContext devuelve hasta k cursos ordenados por similitud
// descendente, o una secuencia vacia sin error si algo falla.
func (r *ContextRetriever) RetrieveCourseContext(ctx context.Context, queryText string, k int) []domain.CourseSummary {
	if k <= 0 {
		k = 5
	}

	vector, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		r.logger.Warn("course retrieval degraded: embed failed", zap.Error(err))
		return nil
	}
	if len(vector) == 0 {
		return nil
	}

	hits, err := r.courses.Search(ctx, pgvector.NewVector(vector), k)
	if err != nil {
		r.logger.Warn("course retrieval degraded: search failed", zap.Error(err))
		return nil
	}

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
