package cache

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/gh-harvest/internal/testutil"
)

func TestTransport_RevalidatesWithETag(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client)

	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.AddUser(testutil.MockUser{Login: "octocat", Type: "User"},
		testutil.MockRepo{Name: "hello-world", Stars: 10},
		testutil.MockRepo{Name: "spoon-knife", Stars: 3},
	)

	httpClient := &http.Client{Transport: NewTransport(manager, nil, time.Hour)}
	url := mock.URL() + "users/octocat/repos?per_page=100"

	get := func() (int, string) {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
		resp, err := httpClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	status1, body1 := get()
	status2, body2 := get()

	if status1 != http.StatusOK || status2 != http.StatusOK {
		t.Fatalf("status = %d, %d, want 200, 200", status1, status2)
	}
	if body1 != body2 {
		t.Errorf("cached body differs:\n%s\n%s", body1, body2)
	}
	if got := mock.GetConditionalCount(); got != 1 {
		t.Errorf("conditional requests = %d, want 1", got)
	}
}

func TestTransport_PassesThroughNonGET(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	// A nil manager disables caching entirely.
	httpClient := &http.Client{Transport: NewTransport(nil, nil, 0)}
	req, _ := http.NewRequest(http.MethodPost, mock.URL()+"users/octocat", nil)
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if got := mock.GetConditionalCount(); got != 0 {
		t.Errorf("conditional requests = %d, want 0", got)
	}
}
