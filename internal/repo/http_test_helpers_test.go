package repo

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/lakeops/opscore/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

type staticSessions struct {
	mu          sync.Mutex
	token       string
	invalidated int
}

func (s *staticSessions) Acquire(context.Context) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Session{Token: s.token}, nil
}

func (s *staticSessions) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}
