// Package testutil provides testing utilities for the collector: a mock
// GitHub REST API and a fake clock.
package testutil

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a canned endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUser is an account served by MockGitHub.
type MockUser struct {
	Login       string
	Type        string // "User" or "Organization"
	Name        string
	Location    string
	Company     string
	PublicRepos int
}

// MockRepo is a repository served by MockGitHub.
type MockRepo struct {
	Name     string
	Stars    int
	Forks    int
	Language string
	Topics   []string
	Fork     bool
	Archived bool
}

type mockQuota struct {
	remaining int
	resetAt   time.Time
}

// MockGitHub is a configurable mock of the GitHub REST endpoints used by the
// collector: /users/{login}, /users/{login}/repos, /orgs/{org}/repos and
// /search/users.
type MockGitHub struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	users  map[string]MockUser
	repos  map[string][]MockRepo
	search map[string][]string

	quotaLimit  int
	quotaWindow time.Duration
	quotas      map[string]*mockQuota

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	pathCounts        map[string]int
	tokenCounts       map[string]int
}

// NewMockGitHub creates a new mock GitHub server.
func NewMockGitHub() *MockGitHub {
	mock := &MockGitHub{
		handlers:    make(map[string]func(w http.ResponseWriter, r *http.Request)),
		users:       make(map[string]MockUser),
		repos:       make(map[string][]MockRepo),
		search:      make(map[string][]string),
		quotaLimit:  5000,
		quotaWindow: time.Hour,
		quotas:      make(map[string]*mockQuota),
		pathCounts:  make(map[string]int),
		tokenCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.pathCounts[r.URL.Path]++
		mock.tokenCounts[token]++
		if r.Header.Get("If-None-Match") != "" {
			mock.ConditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		if !mock.chargeQuota(w, token) {
			return
		}
		mock.route(w, r)
	}))

	return mock
}

// URL returns the mock server base URL with a trailing slash.
func (m *MockGitHub) URL() string {
	return m.server.URL + "/"
}

// Close shuts down the mock server.
func (m *MockGitHub) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGitHub) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.pathCounts = make(map[string]int)
	m.tokenCounts = make(map[string]int)
}

// AddUser registers an account and its repositories.
func (m *MockGitHub) AddUser(u MockUser, repos ...MockRepo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Type == "" {
		u.Type = "User"
	}
	if u.PublicRepos == 0 {
		u.PublicRepos = len(repos)
	}
	m.users[strings.ToLower(u.Login)] = u
	m.repos[strings.ToLower(u.Login)] = repos
}

// SetSearchResult registers the logins returned for a search query.
func (m *MockGitHub) SetSearchResult(query string, logins ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.search[query] = logins
}

// SetQuota sets the per-token call limit and window length.
func (m *MockGitHub) SetQuota(limit int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotaLimit = limit
	m.quotaWindow = window
	m.quotas = make(map[string]*mockQuota)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockGitHub) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockGitHub) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGitHub) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockGitHub) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockGitHub) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// GetTokenCount returns the number of requests authenticated with token.
func (m *MockGitHub) GetTokenCount(token string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokenCounts[token]
}

// chargeQuota decrements the caller's window and writes a primary rate-limit
// response when it is empty.
func (m *MockGitHub) chargeQuota(w http.ResponseWriter, token string) bool {
	m.mu.Lock()
	now := time.Now()
	q, ok := m.quotas[token]
	if !ok || !now.Before(q.resetAt) {
		q = &mockQuota{remaining: m.quotaLimit, resetAt: now.Add(m.quotaWindow)}
		m.quotas[token] = q
	}
	limit := m.quotaLimit
	allowed := q.remaining > 0
	if allowed {
		q.remaining--
	}
	remaining, resetAt := q.remaining, q.resetAt
	m.mu.Unlock()

	setRateHeaders(w.Header(), limit, remaining, resetAt)
	if !allowed {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"message":           "API rate limit exceeded",
			"documentation_url": "https://docs.github.com/rest/overview/resources-in-the-rest-api#rate-limiting",
		})
		return false
	}
	return true
}

func (m *MockGitHub) route(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case len(parts) == 2 && parts[0] == "users":
		m.serveUser(w, parts[1])
	case len(parts) == 3 && (parts[0] == "users" || parts[0] == "orgs") && parts[2] == "repos":
		m.serveRepos(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "search" && parts[1] == "users":
		m.serveSearch(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func (m *MockGitHub) serveUser(w http.ResponseWriter, login string) {
	m.mu.RLock()
	u, ok := m.users[strings.ToLower(login)]
	m.mu.RUnlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (m *MockGitHub) serveRepos(w http.ResponseWriter, r *http.Request, login string) {
	m.mu.RLock()
	u, ok := m.users[strings.ToLower(login)]
	repos := m.repos[strings.ToLower(login)]
	m.mu.RUnlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	page, perPage := pagination(r)
	start, end := pageBounds(len(repos), page, perPage)

	items := make([]map[string]interface{}, 0, end-start)
	for _, repo := range repos[start:end] {
		items = append(items, repoJSON(u, repo))
	}

	body, _ := json.Marshal(items)
	sum := sha1.Sum(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	if end < len(repos) {
		setNextLink(w, r, page+1)
	}
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (m *MockGitHub) serveSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	m.mu.RLock()
	logins := m.search[query]
	m.mu.RUnlock()

	page, perPage := pagination(r)
	start, end := pageBounds(len(logins), page, perPage)

	items := make([]map[string]interface{}, 0, end-start)
	for _, login := range logins[start:end] {
		items = append(items, map[string]interface{}{"login": login, "type": "User"})
	}
	if end < len(logins) {
		setNextLink(w, r, page+1)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_count":        len(logins),
		"incomplete_results": false,
		"items":              items,
	})
}

func pagination(r *http.Request) (page, perPage int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 {
		perPage = 30
	}
	return page, perPage
}

func pageBounds(n, page, perPage int) (start, end int) {
	start = (page - 1) * perPage
	if start > n {
		start = n
	}
	end = start + perPage
	if end > n {
		end = n
	}
	return start, end
}

func setNextLink(w http.ResponseWriter, r *http.Request, next int) {
	u := *r.URL
	q := u.Query()
	q.Set("page", strconv.Itoa(next))
	u.RawQuery = q.Encode()
	w.Header().Set("Link", fmt.Sprintf(`<http://%s%s>; rel="next"`, r.Host, u.RequestURI()))
}

func setRateHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	h.Set("X-RateLimit-Resource", "core")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func userJSON(u MockUser) map[string]interface{} {
	return map[string]interface{}{
		"login":        u.Login,
		"type":         u.Type,
		"name":         u.Name,
		"location":     u.Location,
		"company":      u.Company,
		"public_repos": u.PublicRepos,
	}
}

func repoJSON(owner MockUser, r MockRepo) map[string]interface{} {
	topics := r.Topics
	if topics == nil {
		topics = []string{}
	}
	return map[string]interface{}{
		"name":              r.Name,
		"full_name":         owner.Login + "/" + r.Name,
		"html_url":          "https://github.com/" + owner.Login + "/" + r.Name,
		"owner":             map[string]interface{}{"login": owner.Login, "type": owner.Type},
		"stargazers_count":  r.Stars,
		"forks_count":       r.Forks,
		"watchers_count":    r.Stars,
		"open_issues_count": 0,
		"language":          r.Language,
		"topics":            topics,
		"fork":              r.Fork,
		"archived":          r.Archived,
		"created_at":        "2020-01-01T00:00:00Z",
		"updated_at":        "2024-01-01T00:00:00Z",
		"pushed_at":         "2024-01-01T00:00:00Z",
	}
}

// NewOKResponse creates a 200 response with GitHub rate limit headers.
func NewOKResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "5000",
			"X-RateLimit-Remaining": "4999",
			"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message": "Not Found"}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "5000",
			"X-RateLimit-Remaining": "4998",
			"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a primary rate-limit response (403, remaining 0).
func NewRateLimitResponse(resetAt time.Time) MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message": "API rate limit exceeded"}`,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "5000",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     strconv.FormatInt(resetAt.Unix(), 10),
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewSecondaryRateLimitResponse creates a secondary rate-limit response.
func NewSecondaryRateLimitResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body: `{"message": "You have exceeded a secondary rate limit.",` +
			`"documentation_url": "https://docs.github.com/rest/overview/resources-in-the-rest-api#secondary-rate-limits"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(int(retryAfter.Seconds())),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewTooManyRequestsResponse creates a 429 response with Retry-After.
func NewTooManyRequestsResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message": "Too many requests"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(int(retryAfter.Seconds())),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewUnauthorizedResponse creates a 401 Bad credentials response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"message": "Bad credentials"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 502 Bad Gateway response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadGateway,
		Body:       `{"message": "Server Error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
