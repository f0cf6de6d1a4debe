package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  bool
		wantStatus int
	}{
		{name: "explicit origin", allowed: []string{"https://desk.example"}, origin: "https://desk.example", method: http.MethodGet, wantOrigin: "https://desk.example", wantCreds: true, wantStatus: http.StatusOK},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://other.example", method: http.MethodGet, wantOrigin: "https://other.example", wantStatus: http.StatusOK},
		{name: "rejected origin", allowed: []string{"https://desk.example"}, origin: "https://evil.example", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "preflight", allowed: []string{"https://desk.example"}, origin: "https://desk.example", method: http.MethodOptions, wantOrigin: "https://desk.example", wantCreds: true, wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, "/api/tenants/A/chat", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Fatalf("allow-credentials = %v, want %v", got, tt.wantCreds)
			}
		})
	}
}
