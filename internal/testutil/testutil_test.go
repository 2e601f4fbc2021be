package testutil

import (
	"net/http"
	"testing"
)

func TestServeAndDecode(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"method":"` + r.Method + `","path":"` + r.URL.Path + `"}`))
	})

	rec := Serve(t, h, http.MethodPost, "/api/frames")
	AssertStatusCode(t, rec.Code, http.StatusAccepted)
	AssertContentType(t, rec, "application/json")

	var got map[string]string
	DecodeJSON(t, rec, &got)
	if got["method"] != http.MethodPost || got["path"] != "/api/frames" {
		t.Errorf("decoded %v", got)
	}
}
