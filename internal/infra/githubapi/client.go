// Package githubapi builds the GitHub REST client shared by the snapshot
// resolver and the advisory detector.
package githubapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds a single API round trip.
const DefaultTimeout = 30 * time.Second

// Config describes how to reach the GitHub API.
type Config struct {
	// Token is a personal access or app installation token. Public
	// repositories work without one at a much lower rate limit.
	Token string
	// BaseURL overrides https://api.github.com/, e.g. for GitHub Enterprise
	// or tests.
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a go-github client whose transport is traced with otelhttp
// and, when a token is configured, authenticated with oauth2.
func NewClient(cfg Config) (*github.Client, error) {
	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)
	if cfg.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
			Base:   transport,
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := github.NewClient(&http.Client{Transport: transport, Timeout: timeout})

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url %q: %w", cfg.BaseURL, err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// StatusCode returns the HTTP status carried by a go-github error, or 0 when
// err did not come from an HTTP response.
func StatusCode(err error) int {
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) && rateErr.Response != nil {
		return rateErr.Response.StatusCode
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) && abuseErr.Response != nil {
		return abuseErr.Response.StatusCode
	}
	return 0
}

// IsRateLimited reports whether err is a primary or secondary rate limit.
func IsRateLimited(err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	return errors.As(err, &rateErr) || errors.As(err, &abuseErr)
}
