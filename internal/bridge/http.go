package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrHTTPTimeout   = errors.New("http request timed out")
	ErrHTTPTransport = errors.New("http transport error")
	ErrHTTPStatus    = errors.New("http status error")
)

// HTTPError is the failure of a guest HTTP request. Kind is one of the
// ErrHTTP sentinels.
type HTTPError struct {
	Kind   error
	URL    string
	Status int
	Err    error
}

func (e *HTTPError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrHTTPStatus):
		return fmt.Sprintf("HTTP %d: %s", e.Status, http.StatusText(e.Status))
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *HTTPError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// HTTPRequest is a guest request. A zero Timeout selects the bridge default.
type HTTPRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout time.Duration     `json:"-"`
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// HTTPRequest performs req and returns the response body. It blocks, so the
// engine calls it from a worker goroutine. Only HTTPS is allowed.
func (s *Session) HTTPRequest(ctx context.Context, req HTTPRequest) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return "", &HTTPError{Kind: ErrHTTPTransport, URL: req.URL, Err: fmt.Errorf("invalid url %q", req.URL)}
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", &HTTPError{Kind: ErrHTTPTransport, URL: req.URL, Err: errors.New("only HTTPS URLs are allowed")}
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return "", &HTTPError{Kind: ErrHTTPTransport, URL: req.URL, Err: fmt.Errorf("unsupported method %q", req.Method)}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.b.cfg.DefaultHTTPTimeout
	}
	if timeout > s.b.cfg.MaxHTTPTimeout {
		timeout = s.b.cfg.MaxHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return "", &HTTPError{Kind: ErrHTTPTransport, URL: req.URL, Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", "Notibot/1.0")
	}

	resp, err := s.b.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", classify(ctx, req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &HTTPError{Kind: ErrHTTPStatus, URL: req.URL, Status: resp.StatusCode}
	}

	limit := s.b.cfg.MaxResponseBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", classify(ctx, req.URL, err)
	}
	if int64(len(data)) > limit {
		return "", &HTTPError{Kind: ErrHTTPTransport, URL: req.URL, Err: fmt.Errorf("response exceeds %d bytes", limit)}
	}
	return string(data), nil
}

func classify(ctx context.Context, rawURL string, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &HTTPError{Kind: ErrHTTPTimeout, URL: rawURL, Err: err}
	}
	return &HTTPError{Kind: ErrHTTPTransport, URL: rawURL, Err: err}
}
