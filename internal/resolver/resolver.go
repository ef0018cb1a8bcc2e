// Package resolver asks the backend for the current descriptor of a named
// model, using the locally held content hash as a conditional-fetch
// precondition so an up-to-date client costs the backend a 304 and no body.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"modelcached/internal/errdefs"
	"modelcached/pkg/types"
)

// TokenSource supplies short-lived auth tokens for backend requests.
// Optional; when absent only the API key is sent.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Outcome is the two-branch result of a resolve: either the local copy is
// current (Unchanged) or Descriptor carries the version that supersedes it.
type Outcome struct {
	Unchanged  bool
	Descriptor *types.ModelDescriptor
}

// Config holds the construction parameters for a Client.
type Config struct {
	// BaseURL of the model-info backend, e.g. "https://ml.example.com".
	BaseURL string
	// APIKey is sent on every request.
	APIKey string
	// AppID identifies the application to the backend.
	AppID string
	// HTTPClient is used for all requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Tokens optionally supplies bearer tokens.
	Tokens TokenSource
	// Logger for diagnostics.
	Logger zerolog.Logger
}

// Client performs conditional descriptor fetches. It never retries and never
// persists anything; both belong to the orchestrator.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("resolver: base url is required")
	}
	if cfg.AppID == "" {
		return nil, fmt.Errorf("resolver: app id is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, http: hc}, nil
}

// Resolve fetches the current descriptor for name. When local is non-nil its
// content hash rides If-None-Match; a backend 304 yields Outcome{Unchanged}.
// Errors surface verbatim: network/5xx as ErrNetwork, auth/permission and
// malformed responses as ErrBackend, unknown models as ErrNotFound.
func (c *Client) Resolve(ctx context.Context, name string, local *types.LocalModelRecord) (Outcome, error) {
	if name == "" {
		return Outcome{}, errdefs.Wrapf(errdefs.ErrBackend, "empty model name")
	}
	u := fmt.Sprintf("%s/v1/apps/%s/models/%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.PathEscape(c.cfg.AppID),
		url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Outcome{}, errdefs.Wrap(errdefs.ErrBackend, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if c.cfg.Tokens != nil {
		tok, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return Outcome{}, errdefs.Wrapf(errdefs.ErrBackend, "auth token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if local != nil && local.ContentHash != "" {
		req.Header.Set("If-None-Match", `"`+local.ContentHash+`"`)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, errdefs.Wrap(errdefs.ErrNetwork, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		var desc types.ModelDescriptor
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&desc); err != nil {
			return Outcome{}, errdefs.Wrapf(errdefs.ErrBackend, "decode descriptor: %v", err)
		}
		if desc.Name == "" {
			desc.Name = name
		}
		if desc.DownloadURL == "" || desc.ContentHash == "" || desc.SizeBytes <= 0 {
			return Outcome{}, errdefs.Wrapf(errdefs.ErrBackend, "malformed descriptor for %s", name)
		}
		c.cfg.Logger.Debug().Str("model", name).Str("hash", desc.ContentHash).
			Int64("size", desc.SizeBytes).Msg("resolved descriptor")
		return Outcome{Descriptor: &desc}, nil

	case resp.StatusCode == http.StatusNotModified:
		if local == nil {
			return Outcome{}, errdefs.Wrapf(errdefs.ErrBackend, "unexpected 304 without local record for %s", name)
		}
		c.cfg.Logger.Debug().Str("model", name).Msg("descriptor unchanged")
		return Outcome{Unchanged: true}, nil

	case resp.StatusCode == http.StatusNotFound:
		return Outcome{}, errdefs.Wrapf(errdefs.ErrNotFound, "%s", name)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Outcome{}, errdefs.Wrapf(errdefs.ErrBackend, "model info request for %s: status %d", name, resp.StatusCode)

	default:
		return Outcome{}, errdefs.Wrapf(errdefs.ErrNetwork, "model info request for %s: status %d", name, resp.StatusCode)
	}
}
