package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitizeDomain(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://Example.COM/path": "example.com",
		"example.com":              "example.com",
		"http://a.test:8080/x":     "a.test",
		"":                         "unknown",
		"http://":                  "unknown",
	}
	for in, want := range cases {
		require.Equal(t, want, SanitizeDomain(in), "input %q", in)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()

	ObservePage("https://a.test/p", "200")
	ObserveRetry()
	ObserveSkippedRobots()
	ObserveRateLimitDelay("a.test", 150*time.Millisecond)
	AddFrontierDepth(3)
	AddFrontierDepth(-3)
	IncActiveWorkers()
	DecActiveWorkers()
	ObserveLoadOutcome("added")
	ObserveSessionStart()
	ObserveSession("completed")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "crawler_pages_total")
	require.Contains(t, body, "crawler_frontier_depth")
	require.Contains(t, body, "etl_load_outcomes_total")
}
