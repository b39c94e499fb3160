package service

import (
	"strings"
	"sync"
	"time"
)

// ChatRateLimiter decide la admision de un turno por identidad. Un rechazo
// no tiene efectos secundarios; retryAfter es una pista para el cliente.
type ChatRateLimiter interface {
	Allow(identity string) (bool, time.Duration)
	// Sweep elimina cubetas estrictamente anteriores a cutoff y las
	// identidades que quedan vacias. Seguro en concurrencia con Allow.
	Sweep(cutoff time.Time)
}

// identityWindow guarda las cubetas por segundo de una identidad. dead marca
// ventanas retiradas por Sweep para que Allow no incremente un huerfano.
type identityWindow struct {
	mu      sync.Mutex
	buckets map[int64]int
	dead    bool
}

// MemoryRateLimiter implementa ventana deslizante en memoria con dos
// horizontes independientes; ambos deben pasar. El estado se particiona por
// identidad: el mutex externo solo protege el mapa, el chequeo e incremento
// son atomicos bajo el lock de cada identidad.
type MemoryRateLimiter struct {
	mu         sync.Mutex
	identities map[string]*identityWindow

	perMinute int
	perHour   int
	now       func() time.Time
}

const (
	minuteWindow = 60
	hourWindow   = 3600
)

// NewMemoryRateLimiter construye el limitador con los umbrales dados.
func NewMemoryRateLimiter(perMinute, perHour int) *MemoryRateLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	if perHour <= 0 {
		perHour = 100
	}
	return &MemoryRateLimiter{
		identities: make(map[string]*identityWindow),
		perMinute:  perMinute,
		perHour:    perHour,
		now:        time.Now,
	}
}

// WithClock reemplaza el reloj; solo para tests.
func (l *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	l.now = now
	return l
}

func (l *MemoryRateLimiter) Allow(identity string) (bool, time.Duration) {
	key := strings.TrimSpace(identity)
	if key == "" {
		return false, 0
	}

	for {
		l.mu.Lock()
		w, ok := l.identities[key]
		if !ok {
			w = &identityWindow{buckets: make(map[int64]int)}
			l.identities[key] = w
		}
		l.mu.Unlock()

		w.mu.Lock()
		if w.dead {
			// Sweep retiro esta ventana entre la consulta y el lock.
			w.mu.Unlock()
			continue
		}
		allowed, retryAfter := l.checkAndIncrement(w)
		w.mu.Unlock()
		return allowed, retryAfter
	}
}

func (l *MemoryRateLimiter) checkAndIncrement(w *identityWindow) (bool, time.Duration) {
	nowSec := l.now().UTC().Unix()

	minuteSum, minuteOldest := sumWindow(w.buckets, nowSec, minuteWindow)
	hourSum, hourOldest := sumWindow(w.buckets, nowSec, hourWindow)

	if minuteSum >= l.perMinute {
		return false, retryHint(nowSec, minuteOldest, minuteWindow)
	}
	if hourSum >= l.perHour {
		return false, retryHint(nowSec, hourOldest, hourWindow)
	}

	w.buckets[nowSec]++
	return true, 0
}

// sumWindow suma las cubetas con timestamp >= nowSec - width y devuelve
// ademas la cubeta mas vieja dentro del horizonte.
func sumWindow(buckets map[int64]int, nowSec, width int64) (int, int64) {
	sum := 0
	oldest := int64(-1)
	for ts, count := range buckets {
		if ts < nowSec-width {
			continue
		}
		sum += count
		if oldest == -1 || ts < oldest {
			oldest = ts
		}
	}
	return sum, oldest
}

// retryHint estima cuando la cubeta mas vieja saldra del horizonte.
func retryHint(nowSec, oldest, width int64) time.Duration {
	if oldest < 0 {
		return time.Second
	}
	wait := oldest + width + 1 - nowSec
	if wait < 1 {
		wait = 1
	}
	return time.Duration(wait) * time.Second
}

func (l *MemoryRateLimiter) Sweep(cutoff time.Time) {
	cutoffSec := cutoff.UTC().Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.identities {
		w.mu.Lock()
		for ts := range w.buckets {
			if ts < cutoffSec {
				delete(w.buckets, ts)
			}
		}
		if len(w.buckets) == 0 {
			w.dead = true
			delete(l.identities, key)
		}
		w.mu.Unlock()
	}
}
