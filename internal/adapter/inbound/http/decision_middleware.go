package http

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/toolgate/pkg/mcp"
)

// decide runs the authorization check ahead of an MCP handler. The body
// is read once here, handed to the checker, and restored for the
// handler. Denied requests are answered directly with the decision's
// status and headers; allowed requests continue with the decision's
// upstream headers applied.
func (t *HTTPTransport) decide(next http.Handler) http.Handler {
	tracer := otel.Tracer("toolgate/gateway")
	meter := otel.Meter("toolgate/gateway")
	decisions, _ := meter.Int64Counter("toolgate.decisions",
		metric.WithDescription("Authorization decisions by request class and outcome"),
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeRPCError(w, http.StatusRequestEntityTooLarge, nil, mcp.CodeParseError, "request body too large (max 1MB)")
				return
			}
			writeRPCError(w, http.StatusBadRequest, nil, mcp.CodeParseError, "failed to read request body")
			return
		}

		ctx, span := tracer.Start(r.Context(), "authz.check",
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		res := t.checker.Check(ctx, decision.Input{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header,
			Body:    body,
		})
		outcome := "deny"
		if res.Allowed {
			outcome = "allow"
		}
		span.SetAttributes(
			attribute.String("authz.class", string(res.Class)),
			attribute.String("authz.subject", res.Subject),
			attribute.String("authz.outcome", outcome),
		)
		span.End()

		decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("class", string(res.Class)),
			attribute.String("outcome", outcome),
		))
		t.metrics.DecisionsTotal.WithLabelValues(string(res.Class), outcome).Inc()

		for name, value := range res.ResponseHeaders {
			w.Header().Set(name, value)
		}

		if !res.Allowed {
			writeJSONError(w, res.Status, res.Reason)
			return
		}

		for name, value := range res.UpstreamHeaders {
			r.Header.Set(name, value)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
