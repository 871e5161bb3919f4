// middleware.go is the response envelope: every reply that leaves this
// server carries CORS headers and errors are always JSON, including
// panics. The /api/cors-ok canary exists so an operator can prove the
// envelope is live from a browser console.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"topstepx-engine/internal/broker"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

// envelope wraps the whole mux. Headers are set before any handler runs
// so error paths and panics carry them too.
type envelope struct {
	next    http.Handler
	origins []string
	logger  *slog.Logger
}

func newEnvelope(next http.Handler, origins []string, logger *slog.Logger) *envelope {
	return &envelope{next: next, origins: origins, logger: logger.With("component", "api-envelope")}
}

func (e *envelope) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", e.allowOrigin(r.Header.Get("Origin")))
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
			writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "Internal error", Code: "INTERNAL"})
		}
	}()
	e.next.ServeHTTP(w, r)
}

// allowOrigin echoes the request origin when it is on the allow list,
// otherwise falls back to the first configured origin.
func (e *envelope) allowOrigin(origin string) string {
	for _, o := range e.origins {
		if o == origin {
			return origin
		}
		if o == "*" {
			return "*"
		}
	}
	if len(e.origins) > 0 {
		return e.origins[0]
	}
	return "*"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeBrokerError maps the closed error taxonomy onto HTTP statuses.
func writeBrokerError(w http.ResponseWriter, err *broker.Error) {
	writeJSON(w, err.Kind.HTTPStatus(), errorBody{Detail: err.Error(), Code: string(err.Kind)})
}

func writeError(w http.ResponseWriter, status int, detail, code string) {
	writeJSON(w, status, errorBody{Detail: detail, Code: code})
}
