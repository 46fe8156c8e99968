package instruments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Source yields the raw master list of one broker.
type Source interface {
	Broker() string
	Fetch(ctx context.Context) (io.ReadCloser, error)
}

// HTTPSource downloads the master list from a URL.
type HTTPSource struct {
	broker string
	url    string
	client *http.Client
}

// NewHTTPSource creates a source with a bounded request timeout.
func NewHTTPSource(broker, url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSource{
		broker: broker,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Broker() string { return s.broker }

func (s *HTTPSource) Fetch(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: http %d", s.url, resp.StatusCode)
	}
	return resp.Body, nil
}
