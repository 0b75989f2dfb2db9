package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"artifactvault/internal/auth"
	"artifactvault/internal/domain"
)

// TokenVerifier resolves a bearer token to a caller.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (domain.Caller, error)
}

// Authenticate rejects requests without a valid token and stores the caller
// and token in the request context.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("Authorization")
			caller, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := auth.WithCaller(auth.WithToken(r.Context(), token), caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerFrom(r *http.Request) (domain.Caller, error) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		return domain.Caller{}, fmt.Errorf("%w: no caller in request", domain.ErrNotAuthenticated)
	}
	return caller, nil
}

// requestLogger logs one line per request with its outcome.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("request handled")
	})
}
