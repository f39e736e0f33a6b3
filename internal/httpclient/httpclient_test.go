package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_DefaultTimeout(t *testing.T) {
	c := New(Config{})
	if c.Timeout != defaultTimeout {
		t.Errorf("expected %v, got %v", defaultTimeout, c.Timeout)
	}
	if c := New(Config{Timeout: 5 * time.Second}); c.Timeout != 5*time.Second {
		t.Errorf("expected 5s, got %v", c.Timeout)
	}
}

func TestNew_SetsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	resp, err := New(Config{UserAgent: "swiftbots/test"}).Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got != "swiftbots/test" {
		t.Errorf("expected user agent to be set, got %q", got)
	}
}
