// Package headless renders event pages that build their markup with
// JavaScript, using a shared headless Chrome allocator.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/events-ingest/internal/ingest"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
	defaultWaitSelector      = "body"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is the node that must be ready before the DOM is read.
	WaitSelector string
	// SettleDelay lets late scripts finish after WaitSelector is ready.
	SettleDelay time.Duration
}

// Fetcher implements ingest.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. Chrome is started lazily by the
// first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultWaitSelector
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts down the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL and returns the resulting DOM. A document status
// outside 2xx is returned as *ingest.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return ingest.FetchResponse{}, &ingest.FetchError{URL: request.URL, Cause: fmt.Errorf("wait for browser tab: %w", err)}
		}
		defer f.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return ingest.FetchResponse{}, &ingest.FetchError{URL: request.URL, Cause: fmt.Errorf("render page: %w", err)}
	}

	resp := doc.result(request.URL, location)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ingest.FetchResponse{}, &ingest.FetchError{
			URL:        request.URL,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("document status %d", resp.StatusCode),
		}
	}
	resp.Body = []byte(html)
	resp.Duration = time.Since(start)
	resp.UsedHeadless = true
	return resp, nil
}

// prepareTab enables network events and applies the user agent and any
// per-request headers.
func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network events: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		extra := make(network.Headers, len(headers))
		for key := range headers {
			extra[key] = headers.Get(key)
		}
		if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
			return fmt.Errorf("set request headers: %w", err)
		}
		return nil
	})
}

// documentResponse records the last top-level document response seen in a
// tab, which after redirects is the page actually rendered.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	received, ok := ev.(*network.EventResponseReceived)
	if !ok || received.Type != network.ResourceTypeDocument || received.Response == nil {
		return
	}
	headers := make(http.Header, len(received.Response.Headers))
	for key, value := range received.Response.Headers {
		headers.Set(key, fmt.Sprint(value))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(received.Response.Status)
	d.url = received.Response.URL
	d.headers = headers
}

// result builds the response metadata. Without a captured document event the
// page is assumed to have loaded at the browser's final location.
func (d *documentResponse) result(requestURL, location string) ingest.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := ingest.FetchResponse{StatusCode: d.status, URL: d.url, Headers: d.headers}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.URL == "" {
		resp.URL = location
	}
	if resp.URL == "" {
		resp.URL = requestURL
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	return resp
}
