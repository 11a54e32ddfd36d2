// Package collyfetcher implements ingest.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements ingest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	// Clones share the base collector's http.Client, so everything that
	// touches it is set once here and never per request.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Network failures and non-2xx statuses
// are returned as *ingest.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	var (
		result  ingest.FetchResponse
		failure fetchFailure
	)
	collector := f.buildCollector(request, time.Now(), &result, &failure)
	if err := f.runCollector(ctx, collector, request.URL, &failure); err != nil {
		return ingest.FetchResponse{}, err
	}
	return result, nil
}

// fetchFailure carries what the error hook saw back to Fetch.
type fetchFailure struct {
	status int
	err    error
}

func (f *Fetcher) buildCollector(
	request ingest.FetchRequest,
	start time.Time,
	result *ingest.FetchResponse,
	failure *fetchFailure,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, request, start, result, failure)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request ingest.FetchRequest,
	start time.Time,
	result *ingest.FetchResponse,
	failure *fetchFailure,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = ingest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		failure.err = err
		if r != nil {
			failure.status = r.StatusCode
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, failure *fetchFailure) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &ingest.FetchError{URL: url, Cause: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		return classify(url, err, failure)
	}
}

func classify(url string, visitErr error, failure *fetchFailure) error {
	if failure.status != 0 && (failure.status < 200 || failure.status > 299) {
		cause := failure.err
		if cause == nil {
			cause = visitErr
		}
		return &ingest.FetchError{URL: url, StatusCode: failure.status, Cause: cause}
	}
	switch {
	case failure.err != nil:
		return &ingest.FetchError{URL: url, Cause: fmt.Errorf("colly response failed: %w", failure.err)}
	case errors.Is(visitErr, colly.ErrRobotsTxtBlocked):
		return &ingest.FetchError{URL: url, StatusCode: http.StatusForbidden, Cause: visitErr}
	case visitErr != nil:
		return &ingest.FetchError{URL: url, Cause: fmt.Errorf("colly visit failed: %w", visitErr)}
	}
	return nil
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
