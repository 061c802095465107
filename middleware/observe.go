package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/akinalp/parley/pkg"
)

// Chain applies middlewares so that the first one listed runs first.
func Chain(final http.Handler, chain ...func(http.Handler) http.Handler) http.Handler {
	h := final
	for i := range chain {
		h = chain[len(chain)-1-i](h)
	}
	return h
}

// AccessLog attaches logger to every request (hlog.FromRequest) and writes
// one line per finished request.
func AccessLog(logger zerolog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		hlog.NewHandler(logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Str("path", r.URL.Path).
				Msg("")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
	}
}

// Recover turns a panicking handler into a 500 and reports the panic to
// Sentry.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			hub := sentry.GetHubFromContext(r.Context())
			if hub == nil {
				hub = sentry.CurrentHub()
			}
			hub.RecoverWithContext(r.Context(), rec)

			hlog.FromRequest(r).Error().
				Str("panic", fmt.Sprint(rec)).
				Str("path", r.URL.Path).
				Msg("handler panicked")
			pkg.ErrorWithMessage(w, http.StatusInternalServerError, pkg.ErrInternal.Error())
		}()

		next.ServeHTTP(w, r)
	})
}
