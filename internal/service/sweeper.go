package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"edu-llm/internal/repository"
)

// Sweeper corre el mantenimiento de fondo fuera del camino de requests:
// poda de cubetas del limitador y retencion de sesiones inactivas. Solo
// elimina estado estrictamente expirado, asi que es seguro correrlo en
// paralelo con trafico vivo sin coordinacion.
type Sweeper struct {
	limiter   ChatRateLimiter
	sessions  repository.ChatSessionRepository
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

func NewSweeper(
	limiter ChatRateLimiter,
	sessions repository.ChatSessionRepository,
	retention time.Duration,
	interval time.Duration,
	logger *zap.Logger,
) *Sweeper {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		limiter:   limiter,
		sessions:  sessions,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Run bloquea hasta que ctx se cancele, ejecutando una pasada por intervalo.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce ejecuta una pasada de mantenimiento.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	if s.limiter != nil {
		// Cualquier cubeta fuera del horizonte mas largo ya no cuenta.
		s.limiter.Sweep(now.Add(-hourWindow * time.Second))
	}

	if s.sessions != nil {
		deleted, err := s.sessions.DeleteInactiveBefore(ctx, now.Add(-s.retention))
		if err != nil {
			s.logger.Warn("session retention sweep failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			s.logger.Info("inactive sessions removed", zap.Int64("count", deleted))
		}
	}
}
