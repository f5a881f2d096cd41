// Package httpsession implements probe.SessionFactory over HTTP using colly.
// Each session is its own collector with a private cookie jar and connection
// pool; probes clone the collector so they share both.
package httpsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/availability-prober/internal/probe"
)

// Placeholder is replaced by the escaped identifier in URL and body templates.
const Placeholder = "{id}"

const defaultTimeout = 15 * time.Second

// ErrClosed is reported by probes issued on a closed session.
var ErrClosed = errors.New("session closed")

// Config describes the probe endpoint.
//   - URLTemplate: endpoint URL containing {id}.
//   - Method: HTTP method, GET by default.
//   - BodyTemplate: optional request body containing {id}.
//   - Headers: sent with every request, bootstrap included.
//   - BootstrapURL: optional page visited once per session to collect cookies.
type Config struct {
	URLTemplate  string
	Method       string
	BodyTemplate string
	Headers      map[string]string
	UserAgent    string
	BootstrapURL string
	Timeout      time.Duration
}

// Factory creates HTTP sessions.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config) (*Factory, error) {
	if !strings.Contains(cfg.URLTemplate, Placeholder) {
		return nil, fmt.Errorf("url template must contain %s", Placeholder)
	}
	if _, err := url.Parse(strings.ReplaceAll(cfg.URLTemplate, Placeholder, "x")); err != nil {
		return nil, fmt.Errorf("parse url template: %w", err)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Factory{cfg: cfg}, nil
}

// Create establishes a new session. When a bootstrap URL is configured it is
// fetched first and a non-2xx answer fails the session.
func (f *Factory) Create(ctx context.Context) (probe.Prober, error) {
	transport := newHTTPTransport()
	base := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if f.cfg.UserAgent != "" {
		base.UserAgent = f.cfg.UserAgent
	}
	base.SetRequestTimeout(f.cfg.Timeout)
	base.WithTransport(transport)

	s := &Session{cfg: f.cfg, base: base, transport: transport}
	if f.cfg.BootstrapURL != "" {
		resp := s.do(ctx, http.MethodGet, f.cfg.BootstrapURL, "")
		if resp.Err != nil {
			transport.CloseIdleConnections()
			return nil, fmt.Errorf("bootstrap session: %w", resp.Err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			transport.CloseIdleConnections()
			return nil, fmt.Errorf("bootstrap session: unexpected status %d", resp.StatusCode)
		}
	}
	return s, nil
}

// Session is one established HTTP session.
type Session struct {
	cfg       Config
	base      *colly.Collector
	transport *http.Transport
	closed    atomic.Bool
}

// Probe queries the endpoint for identifier. Transport failures are reported
// in RawResponse.Err rather than returned.
func (s *Session) Probe(ctx context.Context, identifier string) probe.RawResponse {
	if s.closed.Load() {
		return probe.RawResponse{Err: ErrClosed}
	}
	target := strings.ReplaceAll(s.cfg.URLTemplate, Placeholder, url.PathEscape(identifier))
	body := ""
	if s.cfg.BodyTemplate != "" {
		body = strings.ReplaceAll(s.cfg.BodyTemplate, Placeholder, identifier)
	}
	return s.do(ctx, s.cfg.Method, target, body)
}

// Close drops the session's idle connections. Later probes fail with ErrClosed.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.transport.CloseIdleConnections()
	}
	return nil
}

func (s *Session) do(ctx context.Context, method, target, body string) probe.RawResponse {
	var (
		result   probe.RawResponse
		fetchErr error
	)
	start := time.Now()
	collector := s.base.Clone()
	collector.Context = ctx
	collector.OnRequest(func(r *colly.Request) {
		for k, v := range s.cfg.Headers {
			r.Headers.Set(k, v)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.Body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			result.StatusCode = r.StatusCode
			result.Body = append([]byte(nil), r.Body...)
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		if method == http.MethodGet && body == "" {
			done <- collector.Visit(target)
			return
		}
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		done <- collector.Request(method, target, reader, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return probe.RawResponse{Err: fmt.Errorf("probe canceled: %w", ctx.Err()), Duration: time.Since(start)}
	case err := <-done:
		result.Duration = time.Since(start)
		if err != nil && result.StatusCode == 0 {
			result.Err = fmt.Errorf("visit %s: %w", target, err)
			return result
		}
		if fetchErr != nil && result.StatusCode == 0 {
			result.Err = fmt.Errorf("response: %w", fetchErr)
		}
		return result
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
}
