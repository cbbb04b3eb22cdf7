// Package middleware adapts the engine to net/http pipelines: session
// resolution into the request context, CSRF enforcement on mutating
// methods, cookie reissue, and per-route rate limiting.
package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	ember "github.com/emberauth/ember"
)

type sessionContextKey struct{}
type csrfContextKey struct{}

// SessionFromContext returns the resolved session placed by [Resolve].
func SessionFromContext(ctx context.Context) (ember.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(ember.Session)
	return s, ok
}

// CSRFTokenFromContext returns the raw CSRF token for embedding in forms.
func CSRFTokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(csrfContextKey{}).(string)
	return t, ok
}

// ClientIP extracts the caller's address: the trusted header when the
// deployment configures one, otherwise the first X-Forwarded-For hop,
// otherwise the socket peer. Falls back to "unknown" so rate-limit keys
// never end up empty.
func ClientIP(r *http.Request, trustedHeader string) string {
	if trustedHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(trustedHeader)); v != "" {
			return v
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		if v := strings.TrimSpace(first); v != "" {
			return v
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func requestMeta(r *http.Request, trustedHeader string) ember.RequestMeta {
	return ember.RequestMeta{
		IP:        ClientIP(r, trustedHeader),
		UserAgent: r.UserAgent(),
	}
}

// Resolve authenticates the session cookie and, when valid, stores the
// session in the context, reissues the session cookie with a fresh Max-Age,
// and guarantees a CSRF cookie + context token. Requests without a valid
// session pass through unauthenticated; pair with [RequireUser] for
// protected routes.
func Resolve(engine *ember.Engine, trustedHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if cookie, err := r.Cookie(ember.CookieSession); err == nil {
				if sess, err := engine.ResolveSession(ctx, cookie.Value); err == nil {
					ctx = context.WithValue(ctx, sessionContextKey{}, sess)
					// Same value, fresh Max-Age: the sliding window.
					http.SetCookie(w, engine.SessionCookie(cookie.Value))
				}
			}

			ctx = ensureCSRF(engine, w, r, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ensureCSRF(engine *ember.Engine, w http.ResponseWriter, r *http.Request, ctx context.Context) context.Context {
	if cookie, err := r.Cookie(engine.CSRFCookieName()); err == nil {
		if raw, ok := engine.VerifySignedValue(cookie.Value); ok {
			return context.WithValue(ctx, csrfContextKey{}, raw)
		}
	}

	token, err := engine.IssueCSRFToken()
	if err != nil {
		return ctx
	}
	http.SetCookie(w, engine.CSRFCookie(token.Signed))
	return context.WithValue(ctx, csrfContextKey{}, token.Raw)
}

// RequireUser rejects requests that did not resolve a session.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := SessionFromContext(r.Context()); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CSRF enforces the double-submit check on every mutating method. The
// submitted token comes from the configured header or, for form posts, the
// configured field.
func CSRF(engine *ember.Engine, fieldName, headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			var cookieValue string
			if cookie, err := r.Cookie(engine.CSRFCookieName()); err == nil {
				cookieValue = cookie.Value
			}

			submitted := r.Header.Get(headerName)
			if submitted == "" {
				submitted = r.PostFormValue(fieldName)
			}

			if err := engine.ValidateCSRF(r.Context(), cookieValue, submitted); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit applies one sliding-window rule per client IP to the wrapped
// handler, answering 429 with a Retry-After header when exhausted.
func RateLimit(engine *ember.Engine, scope string, rule ember.RateLimitRule, trustedHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := engine.CheckRateLimit(r.Context(), scope, ClientIP(r, trustedHeader), rule)
			if err != nil {
				var rl *ember.RateLimitError
				if errors.As(err, &rl) {
					w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
					http.Error(w, "too many requests", http.StatusTooManyRequests)
					return
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logout revokes the session behind the cookie and clears the auth cookies.
func Logout(engine *ember.Engine, trustedHeader string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(ember.CookieSession); err == nil {
			_ = engine.RevokeSession(r.Context(), cookie.Value, requestMeta(r, trustedHeader))
		}
		http.SetCookie(w, engine.ClearCookie(ember.CookieSession))
		http.SetCookie(w, engine.ClearCookie(engine.CSRFCookieName()))
		w.WriteHeader(http.StatusNoContent)
	})
}
