package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"keyward/internal/infrastructure"
)

// AdminAuth authenticates admin requests against a set of bcrypt-hashed
// API keys. Keys are presented via the X-Admin-Key header or as a
// bearer token. An empty key set disables the admin surface entirely.
type AdminAuth struct {
	logger *slog.Logger
	hashes [][]byte

	// Digests of keys that already passed a bcrypt comparison, so
	// repeated requests skip the expensive check.
	mu        sync.RWMutex
	validated map[[sha256.Size]byte]struct{}
}

// NewAdminAuth creates admin authentication middleware from bcrypt hashes.
func NewAdminAuth(logger *slog.Logger, hashedKeys []string) *AdminAuth {
	hashes := make([][]byte, 0, len(hashedKeys))
	for _, h := range hashedKeys {
		hashes = append(hashes, []byte(h))
	}

	return &AdminAuth{
		logger:    logger.With(slog.String("component", "admin_auth")),
		hashes:    hashes,
		validated: make(map[[sha256.Size]byte]struct{}),
	}
}

// Handler returns the middleware handler function
func (a *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		traceID := infrastructure.GetTraceID(ctx)

		if len(a.hashes) == 0 {
			a.logger.WarnContext(ctx, "admin request rejected, no admin keys configured",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			problem := ProblemFromStatus(
				http.StatusUnauthorized,
				"Admin interface is not enabled",
				traceID,
			)
			problem.Render(w, r)
			return
		}

		key := extractAdminKey(r)
		if key == "" {
			a.logger.WarnContext(ctx, "missing admin API key",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			problem := ProblemFromStatus(
				http.StatusUnauthorized,
				"Admin API key required",
				traceID,
			)
			problem.Render(w, r)
			return
		}

		if !a.authenticate(key) {
			a.logger.WarnContext(ctx, "invalid admin API key",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			problem := ProblemFromStatus(
				http.StatusUnauthorized,
				"Invalid admin API key",
				traceID,
			)
			problem.Render(w, r)
			return
		}

		// A short digest prefix identifies the key in audit logs
		// without ever logging the key itself.
		digest := sha256.Sum256([]byte(key))
		actor := hex.EncodeToString(digest[:4])

		ctx = WithAdminActor(ctx, actor)

		a.logger.DebugContext(ctx, "admin authentication successful",
			"actor", actor,
			"method", r.Method,
			"path", r.URL.Path,
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate checks the key against the configured bcrypt hashes.
func (a *AdminAuth) authenticate(key string) bool {
	digest := sha256.Sum256([]byte(key))

	a.mu.RLock()
	_, ok := a.validated[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}

	for _, hash := range a.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			a.mu.Lock()
			a.validated[digest] = struct{}{}
			a.mu.Unlock()
			return true
		}
	}

	return false
}

// extractAdminKey pulls the admin key from the request headers.
func extractAdminKey(r *http.Request) string {
	if key := r.Header.Get("X-Admin-Key"); key != "" {
		return key
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

type adminActorKey struct{}

// WithAdminActor marks ctx with an audit identifier. Commands that
// bypass HTTP authentication use it to label their mutations.
func WithAdminActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, adminActorKey{}, actor)
}

// AdminActorFromContext returns the audit identifier of the
// authenticated admin key, or an empty string.
func AdminActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(adminActorKey{}).(string); ok {
		return actor
	}
	return ""
}

// AuditLog provides audit logging middleware for admin operations
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()

			// Capture response for audit
			ww := &auditResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			actor := AdminActorFromContext(ctx)

			logger.InfoContext(ctx, "audit log",
				"event_type", "admin_access",
				"actor", actor,
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.Query().Encode(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)

			next.ServeHTTP(ww, r)

			logger.InfoContext(ctx, "audit log complete",
				"event_type", "admin_response",
				"actor", actor,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start).String(),
			)
		})
	}
}

// auditResponseWriter captures the response status code
type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *auditResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
