package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

type ctxKey string

const ctxKeyIdentity ctxKey = "identity"

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(Identity)
	return id, ok
}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// authenticate resolves the caller. When streams is set the handler also
// accepts ?stream_token=, and ?token= if legacy query tokens are enabled.
func (s *Server) authenticate(streams bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := remoteHost(r.RemoteAddr)
			if !s.allow.Allows(host) {
				s.deny(w, r, host, http.StatusForbidden, "allowlist")
				return
			}
			if !s.tokens.Enabled() {
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), Identity{Admin: true})))
				return
			}
			id, err := s.identify(r, streams)
			if err != nil {
				s.deny(w, r, host, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

func (s *Server) identify(r *http.Request, streams bool) (Identity, error) {
	if token, ok := bearerToken(r); ok {
		return s.tokens.ParseIdentity(token)
	}
	if streams {
		query := r.URL.Query()
		if token := query.Get("stream_token"); token != "" {
			return s.tokens.RedeemStream(token)
		}
		if token := query.Get("token"); token != "" && s.allowQueryToken {
			return s.tokens.ParseIdentity(token)
		}
	}
	return Identity{}, ErrInvalidToken
}

// deny writes 429 instead of status once the host exceeds the failure
// budget.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, host string, status int, reason string) {
	limited := !s.limiter.allow(host, time.Now())
	s.logger.Warn(
		"Denied request",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_addr", r.RemoteAddr,
		"remote_host", host,
		"reason", reason,
		"rate_limited", limited,
	)
	if limited {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	writeError(w, status, strings.ToLower(http.StatusText(status)))
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, _ := IdentityFromContext(r.Context()); !id.Admin {
			writeError(w, http.StatusForbidden, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("bearer "):])
	return token, token != ""
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
