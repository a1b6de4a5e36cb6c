package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/echoctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("relay", "GET", "/health", 200, 12*time.Millisecond)
	RecordRefresh(true, time.Hour)
	RecordMessage("send", nil)
	RecordMessage("send", errors.New("timeout"))
	RecordSession("client", "open")
	RecordSession("client", "close")

	if got := testutil.ToFloat64(refreshDelay); got != 3600 {
		t.Fatalf("unexpected refresh delay gauge: %v", got)
	}
	if got := testutil.ToFloat64(messages.WithLabelValues("send", "error")); got < 1 {
		t.Fatalf("expected send error counter, got %v", got)
	}
}

func TestRequestMetricsMiddlewareExposesSeries(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(InitLogger("test")), RequestMetricsMiddleware("test-node"))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	if !strings.Contains(body, `echoctl_http_requests_total{method="GET",node="test-node",path="/ping",status="200"}`) {
		t.Fatalf("metrics output missing request series")
	}
	if !strings.Contains(body, `echoctl_http_requests_total{method="GET",node="test-node",path="unmatched",status="404"}`) {
		t.Fatalf("unmatched routes should share one series")
	}
}
