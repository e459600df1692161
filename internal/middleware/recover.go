package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"identityresolver/internal/domainerrors"
	"identityresolver/internal/handlers"
)

// Recoverer turns a handler panic into a 500 JSON response.
func Recoverer(logger *zap.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = zap.L()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic serving request",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestID(r.Context())),
					zap.Stack("stack"))
				handlers.WriteError(w, domainerrors.New(domainerrors.CodeInternal, "panic"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
