package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness(t *testing.T) {
	rr := httptest.NewRecorder()
	Liveness()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q", ct)
	}
}

type baseTextures struct {
	ready bool
	n     int
}

func (b baseTextures) Readiness() (bool, int) { return b.ready, b.n }

func TestReadiness(t *testing.T) {
	cases := []struct {
		rep      baseTextures
		code     int
		wantBody Status
	}{
		{baseTextures{n: 4}, http.StatusServiceUnavailable, Status{"not_ready", 4}},
		{baseTextures{ready: true, n: 12}, http.StatusOK, Status{"ready", 12}},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		Readiness(tc.rep)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != tc.code {
			t.Fatalf("%+v: status=%d want %d", tc.rep, rr.Code, tc.code)
		}
		var got Status
		if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != tc.wantBody {
			t.Fatalf("body=%+v want %+v", got, tc.wantBody)
		}
	}
}
