package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// AuthConfig selects a credential: a personal access token, or GitHub App installation
// settings when no token is set.
type AuthConfig struct {
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Timeout        time.Duration
	BaseTransport  http.RoundTripper
}

// InstallationAuthConfig configures GitHub App installation authentication.
type InstallationAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Timeout        time.Duration
	BaseTransport  http.RoundTripper
}

// RESTClient wraps the go-github REST client.
type RESTClient struct {
	Client *github.Client
}

// RateBudget is the GraphQL rate budget reported by the rate limit endpoint.
type RateBudget struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// NewHTTPClient returns an authenticated HTTP client for cfg.
func NewHTTPClient(cfg AuthConfig) (*http.Client, error) {
	if token := strings.TrimSpace(cfg.Token); token != "" {
		return NewTokenHTTPClient(token, cfg.Timeout, cfg.BaseTransport)
	}
	if cfg.AppID > 0 || cfg.InstallationID > 0 || strings.TrimSpace(cfg.PrivateKeyPath) != "" {
		return NewInstallationHTTPClient(InstallationAuthConfig{
			AppID:          cfg.AppID,
			InstallationID: cfg.InstallationID,
			PrivateKeyPath: cfg.PrivateKeyPath,
			Timeout:        cfg.Timeout,
			BaseTransport:  cfg.BaseTransport,
		})
	}
	return nil, fmt.Errorf("github token or app installation credentials are required")
}

// NewTokenHTTPClient creates an HTTP client that sends token as a bearer credential.
func NewTokenHTTPClient(token string, timeout time.Duration, baseTransport http.RoundTripper) (*http.Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   baseTransport,
		},
		Timeout: timeout,
	}, nil
}

// NewInstallationHTTPClient creates an authenticated HTTP client for one GitHub App installation.
func NewInstallationHTTPClient(cfg InstallationAuthConfig) (*http.Client, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}, nil
}

// NewGitHubRESTClient creates a go-github client with optional API base URL override.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL string) (*RESTClient, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	trimmedBaseURL := strings.TrimSpace(apiBaseURL)
	if trimmedBaseURL == "" {
		return &RESTClient{Client: client}, nil
	}

	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	client.BaseURL = parsedURL
	return &RESTClient{Client: client}, nil
}

// GraphQLBudget reports the remaining GraphQL rate budget. The rate limit endpoint does
// not count against the budget.
func (c *RESTClient) GraphQLBudget(ctx context.Context) (RateBudget, error) {
	if c == nil || c.Client == nil {
		return RateBudget{}, fmt.Errorf("rest client is nil")
	}
	limits, _, err := c.Client.RateLimit.Get(ctx)
	if err != nil {
		return RateBudget{}, fmt.Errorf("get rate limits: %w", err)
	}
	if limits == nil || limits.GraphQL == nil {
		return RateBudget{}, fmt.Errorf("get rate limits: graphql budget missing from response")
	}
	return RateBudget{
		Limit:     limits.GraphQL.Limit,
		Remaining: limits.GraphQL.Remaining,
		ResetAt:   limits.GraphQL.Reset.Time,
	}, nil
}
