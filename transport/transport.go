// Package transport performs the HTTP round-trips for the offline layer and
// classifies every failure, exactly once, into a closed set of kinds. All
// downstream retry/queue/invalidate decisions switch on Error.Kind instead of
// probing response shapes.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Kind identifies what went wrong with a request.
type Kind int

const (
	// KindTransport means the request never reached the server.
	KindTransport Kind = iota
	// KindNotFound is HTTP 404 on a read. Callers treat it as a valid
	// empty result; Get already returns (nil, nil) for it, so this kind
	// only appears when a write hits a 404.
	KindNotFound
	// KindHTTP is any other 4xx/5xx. Propagated unretried.
	KindHTTP
	// KindAuthCritical is a failure that invalidates the identity itself
	// (401, or a body matching known auth-failure phrases).
	KindAuthCritical
	// KindStorage marks a local blob/record store failure. Produced by the
	// cache and queue packages, not by this client.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	case KindHTTP:
		return "http"
	case KindAuthCritical:
		return "auth_critical"
	case KindStorage:
		return "storage"
	}
	return "unknown"
}

// Error is the tagged error produced at this boundary.
type Error struct {
	Kind   Kind
	Status int // HTTP status when Kind is KindHTTP, KindNotFound or KindAuthCritical
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.URL, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Kind, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.URL)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from an error, defaulting to KindTransport for
// anything that did not come through this boundary.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransport
}

// IsOffline reports whether err means the request never reached the server.
func IsOffline(err error) bool {
	return err != nil && KindOf(err) == KindTransport
}

// StorageError wraps a local store failure in the shared taxonomy.
func StorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, URL: op, Err: err}
}

// Known auth-failure phrases servers put in error bodies. Matched
// case-insensitively alongside the 401 status.
var authPhrases = []string{
	"token expired",
	"invalid token",
	"authentication failed",
	"not authenticated",
}

func isAuthCritical(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	b := strings.ToLower(string(body))
	for _, p := range authPhrases {
		if strings.Contains(b, p) {
			return true
		}
	}
	return false
}

// Client issues requests against one API base URL.
type Client struct {
	http *http.Client
	base *url.URL
	log  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		http: http.DefaultClient,
		base: u,
		log:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the configured API base.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) resolve(p string, query url.Values) string {
	u := *c.base
	if ref, err := url.Parse(p); err == nil {
		if ref.IsAbs() {
			u = *ref
		} else {
			u.Path = joinPath(u.Path, ref.Path)
			u.RawQuery = ref.RawQuery
		}
	} else {
		u.Path = joinPath(u.Path, p)
	}
	if len(query) > 0 {
		qq := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				qq.Add(k, v)
			}
		}
		u.RawQuery = qq.Encode()
	}
	return u.String()
}

func joinPath(base, p string) string {
	if base == "" {
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}

// Get performs an idempotent read. A 404 is a valid empty result and comes
// back as (nil, nil); every other failure is a classified *Error.
func (c *Client) Get(ctx context.Context, p string, query url.Values, header http.Header) ([]byte, error) {
	target := c.resolve(p, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: target, Err: err}
	}
	copyHeader(req.Header, header)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: target, Err: err}
	}
	return c.classify(http.MethodGet, target, resp.StatusCode, body)
}

// Do performs a mutating request and returns the response body on success.
func (c *Client) Do(ctx context.Context, method, p string, header http.Header, body []byte) ([]byte, error) {
	target := c.resolve(p, nil)
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: target, Err: err}
	}
	copyHeader(req.Header, header)
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: target, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: target, Err: err}
	}
	return c.classify(method, target, resp.StatusCode, respBody)
}

func (c *Client) classify(method, target string, status int, body []byte) ([]byte, error) {
	switch {
	case status >= 200 && status < 300:
		return body, nil
	case status == http.StatusNotFound:
		if method == http.MethodGet {
			// Valid empty result, never an error on reads.
			return nil, nil
		}
		return nil, &Error{Kind: KindNotFound, Status: status, URL: target}
	case isAuthCritical(status, body):
		c.log.Warn().Str("url", target).Int("status", status).Msg("auth-critical response")
		return nil, &Error{Kind: KindAuthCritical, Status: status, URL: target}
	default:
		c.log.Debug().Str("url", target).Int("status", status).Msg("http error response")
		return nil, &Error{Kind: KindHTTP, Status: status, URL: target}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
