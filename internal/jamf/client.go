// Package jamf is a small client for the parts of the Jamf Pro API used to
// mirror the package catalog: OAuth client credentials, the package list and
// the JCDS download endpoint.
package jamf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fruitsalade/jamfsync/internal/logging"
	"github.com/fruitsalade/jamfsync/internal/metrics"
	"github.com/fruitsalade/jamfsync/internal/retry"
)

const (
	opAuthenticate = "authenticate"
	opListPackages = "list_packages"
	opDownloadURI  = "download_uri"
	opDownload     = "download"

	maxErrorBody = 4096

	// DefaultPageSize is the page size used when Config.PageSize is unset.
	DefaultPageSize = 100
)

// Package is one entry of GET /api/v1/packages.
type Package struct {
	ID          string `json:"id"`
	PackageName string `json:"packageName"`
	FileName    string `json:"fileName"`
	MD5         string `json:"md5"`
	HashType    string `json:"hashType,omitempty"`
	HashValue   string `json:"hashValue,omitempty"`
}

// Checksum returns the lower-case hex md5 Jamf reports for the package.
// Older records only fill md5; newer ones may carry it as hashType/hashValue.
func (p Package) Checksum() string {
	if p.MD5 != "" {
		return strings.ToLower(p.MD5)
	}
	if strings.EqualFold(p.HashType, "MD5") {
		return strings.ToLower(p.HashValue)
	}
	return ""
}

// PackageList is the response envelope of GET /api/v1/packages.
type PackageList struct {
	TotalCount int       `json:"totalCount"`
	Results    []Package `json:"results"`
}

// downloadResponse is the response from GET /api/v1/jcds/files/{fileName}.
type downloadResponse struct {
	URI string `json:"uri"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed (%d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed (%d): %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

// Config holds client configuration.
type Config struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	PageSize     int
	Timeout      time.Duration
	RetryConfig  retry.Config
	Clock        clockwork.Clock
	HTTPClient   *http.Client
}

// Client talks to one Jamf Pro server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      *TokenSource
	pageSize    int
	retryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens: NewTokenSource(baseURL, Credentials{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		}, httpClient, cfg.Clock),
		pageSize:    cfg.PageSize,
		retryConfig: cfg.RetryConfig,
	}
}

// Tokens returns the client's token holder.
func (c *Client) Tokens() *TokenSource {
	return c.tokens
}

// ListPackages returns the full package catalog in ascending id order. Pages
// are requested from 0 until an empty or short page, or until totalCount
// records have been collected.
func (c *Client) ListPackages(ctx context.Context) ([]Package, error) {
	var all []Package
	for page := 0; ; page++ {
		list, err := c.listPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(list.Results) == 0 {
			break
		}
		all = append(all, list.Results...)

		logging.WithContext(ctx).Debug("fetched package page",
			zap.Int("page", page),
			zap.Int("count", len(list.Results)),
			zap.Int("total", list.TotalCount))

		if list.TotalCount > 0 && len(all) >= list.TotalCount {
			break
		}
		if len(list.Results) < c.pageSize {
			break
		}
	}
	return all, nil
}

func (c *Client) listPage(ctx context.Context, page int) (*PackageList, error) {
	q := url.Values{
		"page":      {strconv.Itoa(page)},
		"page-size": {strconv.Itoa(c.pageSize)},
		"sort":      {"id:asc"},
	}

	var list PackageList
	if err := c.getJSON(ctx, opListPackages, "/api/v1/packages?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// DownloadURI resolves the short-lived URI a package file can be fetched from.
func (c *Client) DownloadURI(ctx context.Context, fileName string) (string, error) {
	var dl downloadResponse
	if err := c.getJSON(ctx, opDownloadURI, "/api/v1/jcds/files/"+url.PathEscape(fileName), &dl); err != nil {
		return "", err
	}
	if dl.URI == "" {
		return "", fmt.Errorf("%s %s: response has no uri", opDownloadURI, fileName)
	}
	return dl.URI, nil
}

// Download resolves the download URI for fileName and opens a stream of its
// bytes. The caller must close the returned reader. size is -1 when the
// server did not send a Content-Length.
func (c *Client) Download(ctx context.Context, fileName string) (io.ReadCloser, int64, error) {
	uri, err := c.DownloadURI(ctx, fileName)
	if err != nil {
		return nil, 0, err
	}

	type stream struct {
		body io.ReadCloser
		size int64
	}

	s, err := retry.Do(ctx, c.retryConfig, opDownload, func() (stream, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return stream{}, err
		}

		// The URI is pre-signed; it must not carry the Jamf bearer token.
		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordAPIRequest(opDownload, 0, time.Since(start))
			return stream{}, retry.Retryable(fmt.Errorf("%s %s: %w", opDownload, fileName, err))
		}
		metrics.RecordAPIRequest(opDownload, resp.StatusCode, time.Since(start))

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			return stream{}, statusError(opDownload, resp.StatusCode, data)
		}
		return stream{body: resp.Body, size: resp.ContentLength}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return s.body, s.size, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	_, err := retry.Do(ctx, c.retryConfig, op, func() (struct{}, error) {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return struct{}{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordAPIRequest(op, 0, time.Since(start))
			return struct{}{}, retry.Retryable(fmt.Errorf("%s request: %w", op, err))
		}
		defer resp.Body.Close()
		metrics.RecordAPIRequest(op, resp.StatusCode, time.Since(start))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return struct{}{}, statusError(op, resp.StatusCode, data)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("parse %s response: %w", op, err)
		}
		return struct{}{}, nil
	})
	return err
}

func statusError(op string, status int, body []byte) error {
	err := &APIError{Op: op, StatusCode: status, Body: string(body)}
	if status >= 500 || status == http.StatusTooManyRequests {
		return retry.Retryable(err)
	}
	return err
}
