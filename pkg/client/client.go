// Package client wraps the GitHub REST API for the collector. Every call
// runs under a credential.Handle and reports the quota the response carried.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Sternrassler/gh-harvest/pkg/credential"
	"github.com/Sternrassler/gh-harvest/pkg/model"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
)

// Prometheus metrics for GitHub client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_requests_total",
		Help: "Total GitHub requests by operation and status",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gh_harvest_request_duration_seconds",
		Help:    "GitHub request duration in seconds by operation",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_errors_total",
		Help: "Total GitHub errors by class",
	}, []string{"class"})
)

const (
	// DefaultBaseURL is the public GitHub REST endpoint.
	DefaultBaseURL = "https://api.github.com/"

	// PerPage is the page size for repository and search listings.
	PerPage = 100
)

// Config holds the client configuration.
type Config struct {
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// Transport is the base RoundTripper under the auth layer, e.g. a
	// cache.Transport. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: "gh-harvest",
		Timeout:   30 * time.Second,
	}
}

// RepositoryPage is one page of an account's repositories.
type RepositoryPage struct {
	Projects []model.ProjectRecord
	NextPage int
}

// SearchPage is one page of user search results.
type SearchPage struct {
	Logins   []string
	Total    int
	NextPage int
}

// Client is the GitHub client. It keeps one go-github client per credential
// so go-github's own rate bookkeeping stays per token.
type Client struct {
	config  Config
	baseURL *url.URL
	logger  zerolog.Logger

	mu      sync.Mutex
	clients map[string]*github.Client
}

// New creates a new GitHub client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		config:  cfg,
		baseURL: baseURL,
		logger:  log.With().Str("component", "github-client").Logger(),
		clients: make(map[string]*github.Client),
	}, nil
}

// forHandle returns the go-github client for the handle's credential.
func (c *Client) forHandle(h *credential.Handle) *github.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gh, ok := c.clients[h.ID()]; ok {
		return gh
	}

	base := c.config.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: h.TokenSource(), Base: base},
		Timeout:   c.config.Timeout,
	}

	gh := github.NewClient(httpClient)
	gh.BaseURL = c.baseURL
	if c.config.UserAgent != "" {
		gh.UserAgent = c.config.UserAgent
	}
	c.clients[h.ID()] = gh
	return gh
}

// LookupAccount fetches the profile of login.
func (c *Client) LookupAccount(ctx context.Context, h *credential.Handle, login string) (*model.Account, ratelimit.Observation, error) {
	start := time.Now()
	user, resp, err := c.forHandle(h).Users.Get(ctx, login)
	obs := c.observe(resp)
	if err != nil {
		return nil, obs, c.fail(ctx, "lookup_account", start, err, resp, obs)
	}
	c.succeed("lookup_account", start, resp)

	kind := model.KindUser
	if user.GetType() == string(model.KindOrganization) {
		kind = model.KindOrganization
	}
	return &model.Account{
		Login:       user.GetLogin(),
		Kind:        kind,
		Name:        user.GetName(),
		Location:    user.GetLocation(),
		Company:     user.GetCompany(),
		Email:       user.GetEmail(),
		Bio:         user.GetBio(),
		PublicRepos: user.GetPublicRepos(),
	}, obs, nil
}

// ListRepositories fetches one page of the account's public repositories.
// Users list owned repositories; organizations list public ones.
func (c *Client) ListRepositories(ctx context.Context, h *credential.Handle, account *model.Account, page int) (*RepositoryPage, ratelimit.Observation, error) {
	start := time.Now()
	gh := c.forHandle(h)
	listOpts := github.ListOptions{Page: page, PerPage: PerPage}

	var (
		repos []*github.Repository
		resp  *github.Response
		err   error
	)
	if account.IsOrganization() {
		repos, resp, err = gh.Repositories.ListByOrg(ctx, account.Login, &github.RepositoryListByOrgOptions{
			Type:        "public",
			ListOptions: listOpts,
		})
	} else {
		repos, resp, err = gh.Repositories.List(ctx, account.Login, &github.RepositoryListOptions{
			Type:        "owner",
			ListOptions: listOpts,
		})
	}
	obs := c.observe(resp)
	if err != nil {
		return nil, obs, c.fail(ctx, "list_repositories", start, err, resp, obs)
	}
	c.succeed("list_repositories", start, resp)

	out := &RepositoryPage{Projects: make([]model.ProjectRecord, 0, len(repos))}
	for _, repo := range repos {
		out.Projects = append(out.Projects, toProject(repo, account))
	}
	if resp != nil {
		out.NextPage = resp.NextPage
	}
	return out, obs, nil
}

// SearchAccounts runs one page of a user search.
func (c *Client) SearchAccounts(ctx context.Context, h *credential.Handle, query string, page int) (*SearchPage, ratelimit.Observation, error) {
	start := time.Now()
	result, resp, err := c.forHandle(h).Search.Users(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: PerPage},
	})
	obs := c.observe(resp)
	if err != nil {
		return nil, obs, c.fail(ctx, "search_accounts", start, err, resp, obs)
	}
	c.succeed("search_accounts", start, resp)

	out := &SearchPage{Total: result.GetTotal()}
	for _, u := range result.Users {
		if login := u.GetLogin(); login != "" {
			out.Logins = append(out.Logins, login)
		}
	}
	if resp != nil {
		out.NextPage = resp.NextPage
	}
	return out, obs, nil
}

// observe parses the quota headers of resp. Malformed headers are logged and
// treated as absent.
func (c *Client) observe(resp *github.Response) ratelimit.Observation {
	if resp == nil || resp.Response == nil {
		return ratelimit.Observation{}
	}
	obs, err := ratelimit.ParseHeaders(resp.Header)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Malformed rate limit headers")
		return ratelimit.Observation{}
	}
	return obs
}

func (c *Client) succeed(operation string, start time.Time, resp *github.Response) {
	requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	status := http.StatusOK
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	requestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

func (c *Client) fail(ctx context.Context, operation string, start time.Time, err error, resp *github.Response, obs ratelimit.Observation) error {
	requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	apiErr := classify(ctx, err, resp, obs)

	status := string(apiErr.Class)
	if apiErr.StatusCode != 0 {
		status = strconv.Itoa(apiErr.StatusCode)
	}
	requestsTotal.WithLabelValues(operation, status).Inc()
	errorsTotal.WithLabelValues(string(apiErr.Class)).Inc()

	c.logger.Debug().
		Str("operation", operation).
		Int("status", apiErr.StatusCode).
		Str("error_class", string(apiErr.Class)).
		Msg("GitHub request error")
	return apiErr
}

func toProject(repo *github.Repository, account *model.Account) model.ProjectRecord {
	owner := account.Login
	if o := repo.GetOwner(); o != nil && o.GetLogin() != "" {
		owner = o.GetLogin()
	}
	return model.ProjectRecord{
		Owner:       owner,
		Name:        repo.GetName(),
		FullName:    repo.GetFullName(),
		Description: repo.GetDescription(),
		URL:         repo.GetHTMLURL(),
		Stars:       repo.GetStargazersCount(),
		Forks:       repo.GetForksCount(),
		Watchers:    repo.GetWatchersCount(),
		OpenIssues:  repo.GetOpenIssuesCount(),
		Language:    repo.GetLanguage(),
		Topics:      repo.Topics,
		Fork:        repo.GetFork(),
		Archived:    repo.GetArchived(),
		CreatedAt:   repo.GetCreatedAt().Time,
		UpdatedAt:   repo.GetUpdatedAt().Time,
		PushedAt:    repo.GetPushedAt().Time,
		OwnerRef: model.OwnerRef{
			Login:    owner,
			Kind:     account.Kind,
			Name:     account.Name,
			Location: account.Location,
		},
	}
}
