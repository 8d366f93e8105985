package api_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	testDashboardID = "11111111-1111-1111-1111-111111111111"
	testWidgetID    = "22222222-2222-2222-2222-222222222222"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testLogger discards everything below error.
func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.ErrorLevel)

	return l
}

// doRequest serves one request through h. A non-empty body is sent as JSON.
func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var rdr io.Reader = http.NoBody
	if body != "" {
		rdr = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}
