package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// traceHeader carries the trace ID on requests and responses.
const traceHeader = "X-Trace-ID"

// traceKey is the context key under which the trace ID travels.
type traceKey struct{}

// TraceID returns the trace ID carried on ctx, or "" when the request
// did not pass through the trace middleware.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// withTrace assigns every request a trace ID of the form
// reeve-<environment>-<uuid>. A client-supplied X-Trace-ID is kept, so
// an upstream caller can correlate its own logs with ours. The ID is
// echoed on the response header and carried on the request context.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(traceHeader)
		if id == "" {
			id = s.newTraceID()
		}
		w.Header().Set(traceHeader, id)
		ctx := context.WithValue(r.Context(), traceKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) newTraceID() string {
	u, err := uuid.NewV7()
	if err != nil {
		// v7 needs a usable clock; fall back to random.
		u = uuid.New()
	}
	return fmt.Sprintf("reeve-%s-%s", s.environment, u)
}
