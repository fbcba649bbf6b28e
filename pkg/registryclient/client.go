// SPDX-License-Identifier: MPL-2.0

// Package registryclient talks to an apex package registry over HTTP.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apex-lang/apex/pkg/pkgcache"
	"github.com/apex-lang/apex/pkg/registryapi"
	"github.com/apex-lang/apex/pkg/resolver"
)

// maxMetadataBytes bounds JSON responses.
const maxMetadataBytes = 16 << 20

type (
	// Client is a registry API client. It implements resolver.Provider and
	// pkgcache.Downloader.
	Client struct {
		baseURL    string
		token      string
		httpClient *http.Client
		userAgent  string
	}

	// Option configures a Client.
	Option func(*Client)

	// ListOptions filters and pages a package listing.
	ListOptions struct {
		Search  string
		Sort    string
		Page    int
		PerPage int
	}
)

var (
	_ resolver.Provider   = (*Client)(nil)
	_ pkgcache.Downloader = (*Client)(nil)
)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a client for the registry at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		userAgent:  "apex",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the registry root URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Metadata returns every version of name for the resolver.
func (c *Client) Metadata(ctx context.Context, name string) (*resolver.PackageMetadata, error) {
	detail, err := c.Package(ctx, name)
	if err != nil {
		return nil, err
	}
	meta := &resolver.PackageMetadata{Name: detail.Name}
	for _, v := range detail.Versions {
		meta.Versions = append(meta.Versions, resolver.VersionInfo{
			Version:      v.Version,
			Checksum:     v.Checksum,
			Dependencies: v.Dependencies,
			Yanked:       v.Yanked,
		})
	}
	return meta, nil
}

// Package returns the detail document of name.
func (c *Client) Package(ctx context.Context, name string) (*registryapi.PackageDetail, error) {
	var out registryapi.PackageDetail
	if err := c.getJSON(ctx, "/api/v1/package/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Versions returns the versions of name with their dependencies and targets.
func (c *Client) Versions(ctx context.Context, name string) (*registryapi.VersionList, error) {
	var out registryapi.VersionList
	if err := c.getJSON(ctx, "/api/v1/package/"+url.PathEscape(name)+"/versions", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns a page of packages.
func (c *Client) List(ctx context.Context, opts ListOptions) (*registryapi.PackageList, error) {
	q := url.Values{}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(opts.PerPage))
	}
	path := "/api/v1/packages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out registryapi.PackageList
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download fetches the archive of name@version and the checksum the server
// advertised in the X-Checksum header.
func (c *Client) Download(ctx context.Context, name, version string) (*pkgcache.Download, error) {
	path := fmt.Sprintf("/api/v1/package/%s/%s/download", url.PathEscape(name), url.PathEscape(version))
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, registryapi.TarballLimit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s@%s: %w", name, version, err)
	}
	if len(data) > registryapi.TarballLimit {
		return nil, fmt.Errorf("archive for %s@%s exceeds %d bytes", name, version, registryapi.TarballLimit)
	}
	return &pkgcache.Download{
		Data:     data,
		Checksum: strings.ToLower(strings.TrimSpace(resp.Header.Get(registryapi.HeaderChecksum))),
	}, nil
}

// Register creates a user account.
func (c *Client) Register(ctx context.Context, username, email, password string) (*registryapi.User, error) {
	var out registryapi.User
	err := c.sendJSON(ctx, http.MethodPost, "/api/v1/register", registryapi.RegisterRequest{
		Username: username, Email: email, Password: password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Login exchanges credentials for a token. The client keeps using the new
// token for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (*registryapi.LoginResponse, error) {
	var out registryapi.LoginResponse
	err := c.sendJSON(ctx, http.MethodPost, "/api/v1/login", registryapi.LoginRequest{
		Username: username, Password: password,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*registryapi.User, error) {
	var out registryapi.User
	if err := c.getJSON(ctx, "/api/v1/me", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Yank marks name@version as yanked.
func (c *Client) Yank(ctx context.Context, name, version string) (*registryapi.YankResponse, error) {
	return c.setYanked(ctx, name, version, "yank")
}

// Unyank clears the yanked flag of name@version.
func (c *Client) Unyank(ctx context.Context, name, version string) (*registryapi.YankResponse, error) {
	return c.setYanked(ctx, name, version, "unyank")
}

func (c *Client) setYanked(ctx context.Context, name, version, action string) (*registryapi.YankResponse, error) {
	path := fmt.Sprintf("/api/v1/package/%s/%s/%s", url.PathEscape(name), url.PathEscape(version), action)
	var out registryapi.YankResponse
	if err := c.sendJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOwners returns the owners of name.
func (c *Client) ListOwners(ctx context.Context, name string) (*registryapi.OwnerList, error) {
	var out registryapi.OwnerList
	if err := c.getJSON(ctx, "/api/v1/package/"+url.PathEscape(name)+"/owners", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddOwner grants username ownership of name.
func (c *Client) AddOwner(ctx context.Context, name, username string) (*registryapi.OwnerList, error) {
	var out registryapi.OwnerList
	path := "/api/v1/package/" + url.PathEscape(name) + "/owners"
	if err := c.sendJSON(ctx, http.MethodPost, path, registryapi.OwnerRequest{Username: username}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveOwner revokes username's ownership of name.
func (c *Client) RemoveOwner(ctx context.Context, name, username string) (*registryapi.OwnerList, error) {
	var out registryapi.OwnerList
	path := "/api/v1/package/" + url.PathEscape(name) + "/owners/" + url.PathEscape(username)
	if err := c.sendJSON(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.sendJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// do sends a request and converts non-2xx responses into errors. On success
// the caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.send(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	slog.Debug("registry request", "method", req.Method, "url", req.URL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach registry %s: %w", c.baseURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, responseError(resp.StatusCode, data)
	}
	return resp, nil
}
