// Package source talks to the external gene report site: report pages, asset
// metadata and asset downloads.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultUserAgent = "genesync/1.0 (+gene catalog reconciliation)"
	// maxPageBytes bounds a report page read.
	maxPageBytes = 8 << 20
)

// ErrUnknownSize is returned by AssetSize when the server reports no length.
var ErrUnknownSize = errors.New("source: asset size unknown")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Config configures a Client.
type Config struct {
	// Origin is the scheme and host of the source, e.g. http://flybase.org.
	Origin    string
	UserAgent string
	// Timeout bounds each request, including reading its body.
	Timeout time.Duration
	// RequestsPerSecond paces outgoing requests; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client fetches pages and assets from the source.
type Client struct {
	origin    *url.URL
	userAgent string
	timeout   time.Duration
	http      *http.Client
	limiter   *rate.Limiter
	log       *zap.Logger
}

// Page is a fetched report page.
type Page struct {
	URL  string
	Body []byte
	// Partial is set when the connection broke after part of the body arrived.
	Partial bool
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	origin, err := url.Parse(strings.TrimRight(cfg.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse source origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("source origin %q must be absolute", cfg.Origin)
	}
	c := &Client{
		origin:    origin,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		http:      cfg.HTTPClient,
		log:       cfg.Logger,
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// Origin returns the normalised source origin.
func (c *Client) Origin() string { return c.origin.String() }

// PageURL returns the report page URL of an external id.
func (c *Client) PageURL(externalID string) string {
	return c.origin.String() + "/reports/" + url.PathEscape(externalID) + ".html"
}

// FetchPage downloads the report page of externalID. A body read that fails
// after some bytes were received yields a partial page instead of an error.
func (c *Client) FetchPage(ctx context.Context, externalID string) (Page, error) {
	pageURL := c.PageURL(externalID)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, pageURL)
	if err != nil {
		return Page{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp, pageURL); err != nil {
		return Page{}, err
	}

	body, readErr := readAvailable(resp.Body, maxPageBytes)
	page := Page{URL: pageURL, Body: body}
	if readErr != nil {
		if len(body) == 0 {
			return Page{}, fmt.Errorf("read %s: %w", pageURL, readErr)
		}
		page.Partial = true
		c.log.Debug("partial page body",
			zap.String("url", pageURL),
			zap.Int("bytes", len(body)),
			zap.Error(readErr))
	}
	return page, nil
}

// AssetSize returns the byte length the server reports for assetURL without
// downloading it. Servers rejecting HEAD are asked with a GET whose body is
// discarded unread.
func (c *Client) AssetSize(ctx context.Context, assetURL string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodHead, assetURL)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = c.do(ctx, http.MethodGet, assetURL)
		if err != nil {
			return 0, err
		}
		_ = resp.Body.Close()
	}
	if err := checkStatus(resp, assetURL); err != nil {
		return 0, err
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("%s: %w", assetURL, ErrUnknownSize)
	}
	return resp.ContentLength, nil
}

// Download opens the full body of assetURL. The caller must close it.
func (c *Client) Download(ctx context.Context, assetURL string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	resp, err := c.do(ctx, http.MethodGet, assetURL)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := checkStatus(resp, assetURL); err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *Client) do(ctx context.Context, method, target string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, target string) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: target, StatusCode: resp.StatusCode}
	}
	return nil
}

// readAvailable reads up to limit bytes and returns whatever arrived together
// with the error that ended the read, if any.
func readAvailable(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	return body, err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
