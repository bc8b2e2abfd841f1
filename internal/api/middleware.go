package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	timestampHeader = "X-Schedule-Timestamp"
	signatureHeader = "X-Schedule-Signature"
)

// AuthMiddleware requires the admin bearer token on every request.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if token != "" && strings.HasPrefix(authHeader, "Bearer ") {
				if subtle.ConstantTimeCompare([]byte(authHeader[7:]), []byte(token)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}

// SeenCounter counts how often a key was presented within its ttl.
type SeenCounter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// ReplayGuard accepts a signed request once. The signature covers a unix
// timestamp that must fall inside window, the method and the request URI.
type ReplayGuard struct {
	key    []byte
	window time.Duration
	seen   SeenCounter
	logger *slog.Logger
	now    func() time.Time
}

// NewReplayGuard creates a guard keyed with the schedule key.
func NewReplayGuard(key string, window time.Duration, seen SeenCounter, logger *slog.Logger) *ReplayGuard {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ReplayGuard{
		key:    []byte(key),
		window: window,
		seen:   seen,
		logger: logger,
		now:    time.Now,
	}
}

// Sign computes the signature a client sends in X-Schedule-Signature.
func Sign(key string, timestamp int64, method, requestURI string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + "\n" + method + "\n" + requestURI))
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware rejects requests with a stale, forged or reused signature.
func (g *ReplayGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts, err := strconv.ParseInt(r.Header.Get(timestampHeader), 10, 64)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		skew := g.now().Sub(time.Unix(ts, 0))
		if skew < -g.window || skew > g.window {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		sig := strings.ToLower(r.Header.Get(signatureHeader))
		expected := Sign(string(g.key), ts, r.Method, r.URL.RequestURI())
		if !hmac.Equal([]byte(sig), []byte(expected)) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		n, err := g.seen.Increment(r.Context(), "replay:"+sig, 2*g.window)
		if err != nil {
			g.logger.Error("record request signature", "err", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if n > 1 {
			g.logger.Warn("replayed admin request rejected", "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
