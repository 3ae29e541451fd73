package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iota-uz/iam-demo/pkg/composables"
	"github.com/iota-uz/iam-demo/pkg/configuration"
	"github.com/iota-uz/iam-demo/pkg/constants"
)

// Provide injects a static value under the given context key for every
// request.
func Provide(key constants.ContextKey, value any) mux.MiddlewareFunc {
	return ContextKeyValue(key, func(r *http.Request, w http.ResponseWriter) any {
		return value
	})
}

// ContextKeyValue injects a per-request computed value under the given key.
func ContextKeyValue(key constants.ContextKey, f func(r *http.Request, w http.ResponseWriter) any) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), key, f(r, w))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestParams makes request metadata (ip, user agent, writer) available
// to downstream services through composables.UseParams.
func RequestParams() mux.MiddlewareFunc {
	conf := configuration.Use()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			params := &composables.Params{
				IP:        getRealIP(r, conf),
				UserAgent: r.UserAgent(),
				Request:   r,
				Writer:    w,
			}
			next.ServeHTTP(w, r.WithContext(composables.WithParams(r.Context(), params)))
		})
	}
}
