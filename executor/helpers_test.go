package executor

import (
	"net/http"
	"net/http/httptest"
)

// newPostServer returns a test server that records whether a POST arrived.
// A nil received pointer just answers 200.
func newPostServer(received *bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if received != nil && r.Method == http.MethodPost {
			*received = true
		}
		w.WriteHeader(http.StatusOK)
	}))
}
