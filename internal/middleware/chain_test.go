package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestMiddlewareChain_Order は本番と同じ順序で組んだチェーンの動作を検証する。
// Recovery → Logging → SecurityHeaders → CORS → RateLimit
func TestMiddlewareChain_Order(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		FetchRate:       1,
		FetchBurst:      1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h = rl.GeneralMiddleware()(h)
	h = NewCORSMiddleware("http://localhost:3000")(h)
	h = NewSecurityHeadersMiddleware()(h)
	h = NewLoggingMiddleware(logger, nil)(h)
	h = NewRecoveryMiddleware(logger)(h)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newClientRequest(http.MethodGet, "/api/bookmarks", "192.0.2.1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	// 429 でもCORSとセキュリティヘッダーが付与され、ログにも残る
	w = httptest.NewRecorder()
	h.ServeHTTP(w, newClientRequest(http.MethodGet, "/api/bookmarks", "192.0.2.1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS header should be set on 429")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security header should be set on 429")
	}
	if !strings.Contains(buf.String(), `"status":429`) {
		t.Errorf("429 should be logged: %s", buf.String())
	}

	// プリフライトはレート制限の対象外
	w = httptest.NewRecorder()
	h.ServeHTTP(w, newClientRequest(http.MethodOptions, "/api/bookmarks", "192.0.2.1"))
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
}
