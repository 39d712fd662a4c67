package observability

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient wraps base's transport with an OpenTelemetry-instrumented
// round tripper, so every outbound provider/store HTTP call produces a span.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   base.Timeout,
	}
}
