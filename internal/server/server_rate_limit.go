package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/koltyakov/keygate/internal/domain"
)

// rateWindow holds the admitted-request timestamps for one identity, oldest
// first.
type rateWindow struct {
	hits []time.Time
}

// rateLimiter is a per-identity sliding-window limiter. One mutex covers all
// identities. The identity table is an LRU so the least recently seen client
// is dropped once maxClients is reached; cleanup() removes identities whose
// newest hit has left the window.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients *simplelru.LRU[string, *rateWindow]
	now     func() time.Time
}

func newRateLimiter(limit int, window time.Duration, maxClients int) *rateLimiter {
	clients, err := simplelru.NewLRU[string, *rateWindow](maxClients, nil)
	if err != nil {
		// Only a non-positive size fails; config validation rejects that.
		panic(err)
	}
	return &rateLimiter{
		limit:   limit,
		window:  window,
		clients: clients,
		now:     time.Now,
	}
}

// allow admits or rejects one request from identity. A rejected attempt is
// not recorded. retryAfter is how long until the oldest hit leaves the
// window.
func (rl *rateLimiter) allow(identity string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients.Get(identity)
	if !ok {
		w = &rateWindow{}
		rl.clients.Add(identity, w)
	}
	w.prune(now.Add(-rl.window))

	if len(w.hits) >= rl.limit {
		return false, w.hits[0].Add(rl.window).Sub(now)
	}
	w.hits = append(w.hits, now)
	return true, 0
}

// cleanup evicts identities with no hits inside the window and returns the
// number removed.
func (rl *rateLimiter) cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	removed := 0
	for _, key := range rl.clients.Keys() {
		w, ok := rl.clients.Peek(key)
		if !ok {
			continue
		}
		if len(w.hits) == 0 || !w.hits[len(w.hits)-1].After(cutoff) {
			rl.clients.Remove(key)
			removed++
		}
	}
	return removed
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.clients.Len()
}

// prune drops hits at or before cutoff.
func (w *rateWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.hits, w.hits[i:])
	w.hits = w.hits[:n]
}

// rateLimitMiddleware rejects over-limit clients with 429. Admin paths are
// exempt.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin") {
			next.ServeHTTP(w, r)
			return
		}
		ip := s.clientIP(r)
		ok, retryAfter := s.limiter.allow(ip)
		if !ok {
			s.log.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			s.telemetry.rateLimited.Inc()
			secs := int((retryAfter + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, domain.ErrorResponse{Error: "Rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
