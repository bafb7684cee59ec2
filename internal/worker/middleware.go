package worker

import (
	"net/http"

	"github.com/scrapeline/scrapeline/internal/ingest"
)

// Middleware is a pure transformation applied to a request before dispatch.
// Middlewares are composed in registration order at session start.
type Middleware func(ingest.FetchRequest) ingest.FetchRequest

// Chain applies middlewares left to right.
func Chain(middlewares ...Middleware) Middleware {
	return func(req ingest.FetchRequest) ingest.FetchRequest {
		for _, m := range middlewares {
			req = m(req)
		}
		return req
	}
}

// WithHeader returns a Middleware that stamps a header on every request,
// without overwriting a value already present.
func WithHeader(key, value string) Middleware {
	return func(req ingest.FetchRequest) ingest.FetchRequest {
		headers := req.Headers.Clone()
		if headers == nil {
			headers = make(http.Header)
		}
		if headers.Get(key) == "" {
			headers.Set(key, value)
		}
		req.Headers = headers
		return req
	}
}
