package access

import (
	"log/slog"
	"net/http"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// Middleware returns an HTTP middleware that verifies the Access
// assertion on every request before the wrapped handler runs.
//
// On success the verified [Assertion] is stored in the request context,
// retrievable with [AssertionFromContext]. On any failure the middleware
// responds with a bare 401 and the text "unauthorized": the internal
// failure reason (missing header, expired, wrong audience, bad
// signature) is logged and recorded on the trace span but never written
// to the response, so the verifier cannot be used as an oracle.
//
// Example:
//
//	verifier, err := access.NewVerifier(access.Config{Team: team, Audience: aud})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	handler := access.Middleware(verifier)(mux)
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			assertion, err := verifier.VerifyRequest(ctx, r)
			if err != nil {
				slog.DebugContext(ctx, "access: rejected request",
					"error", err,
					"code", ekerr.GetCode(err),
					"path", r.URL.Path,
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx = ContextWithAssertion(ctx, assertion)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
