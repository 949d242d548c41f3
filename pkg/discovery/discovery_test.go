package discovery

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/Sternrassler/gh-harvest/internal/testutil"
	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/credential"
	"github.com/Sternrassler/gh-harvest/pkg/retry"
)

func newTestDiscoverer(t *testing.T, mock *testutil.MockGitHub, maxRetries int) *Discoverer {
	t.Helper()

	c, err := client.New(client.Config{BaseURL: mock.URL(), UserAgent: "gh-harvest-test", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	pool, err := credential.NewPool([]string{"ghp_discovery"}, credential.DefaultConfig())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return New(c, pool, retry.Policy{MaxAttempts: maxRetries + 1, Backoff: retry.Constant(0)})
}

func TestQuery_Queries(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{
			name:  "location only",
			query: Query{Location: "seattle"},
			want:  []string{"location:seattle"},
		},
		{
			name:  "quoted location",
			query: Query{Location: "san francisco"},
			want:  []string{`location:"san francisco"`},
		},
		{
			name:  "filter slices",
			query: Query{Location: "seattle", Filters: []string{"repos:>=500", "repos:1..9 followers:>=5"}},
			want:  []string{"location:seattle repos:>=500", "location:seattle repos:1..9 followers:>=5"},
		},
		{
			name:  "filters without location",
			query: Query{Filters: []string{"repos:>=500"}},
			want:  []string{"repos:>=500"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.query.Queries(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Queries() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiscover_DeduplicatesAcrossSlices(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	mock.SetSearchResult("location:seattle repos:>=500", "alice", "bob")
	mock.SetSearchResult("location:seattle repos:1..9", "Bob", "carol", "alice", "dave")

	d := newTestDiscoverer(t, mock, 0)
	got, err := d.Discover(context.Background(), Query{
		Location: "seattle",
		Filters:  []string{"repos:>=500", "repos:1..9"},
	})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	want := []string{"alice", "bob", "carol", "dave"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Discover() = %v, want %v", got, want)
	}
}

func TestDiscover_Paginates(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	var logins []string
	for i := 0; i < 150; i++ {
		logins = append(logins, fmt.Sprintf("user-%03d", i))
	}
	mock.SetSearchResult("location:seattle", logins...)

	d := newTestDiscoverer(t, mock, 0)
	got, err := d.Discover(context.Background(), Query{Location: "seattle"})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if !reflect.DeepEqual(got, logins) {
		t.Errorf("Discover() returned %d logins, want 150 in order", len(got))
	}
	if n := mock.GetPathCount("/search/users"); n != 2 {
		t.Errorf("search requests = %d, want 2", n)
	}
}

func TestDiscover_MaxAccounts(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	var logins []string
	for i := 0; i < 150; i++ {
		logins = append(logins, fmt.Sprintf("user-%03d", i))
	}
	mock.SetSearchResult("location:seattle repos:>=500", logins...)
	mock.SetSearchResult("location:seattle repos:1..9", "zed")

	d := newTestDiscoverer(t, mock, 0)
	got, err := d.Discover(context.Background(), Query{
		Location:    "seattle",
		Filters:     []string{"repos:>=500", "repos:1..9"},
		MaxAccounts: 42,
	})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 42 {
		t.Errorf("len(Discover()) = %d, want 42", len(got))
	}
	// The first page satisfies the limit; no further page or slice is searched.
	if n := mock.GetPathCount("/search/users"); n != 1 {
		t.Errorf("search requests = %d, want 1", n)
	}
}

func TestDiscover_EmptyQuery(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	d := newTestDiscoverer(t, mock, 0)
	if _, err := d.Discover(context.Background(), Query{}); err == nil {
		t.Error("Discover() error = nil, want error for empty query")
	}
}

func TestDiscover_ServerErrorExhaustsRetries(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetResponse("/search/users", testutil.NewServerErrorResponse())

	d := newTestDiscoverer(t, mock, 1)

	_, err := d.Discover(context.Background(), Query{Location: "seattle"})
	if err == nil {
		t.Fatal("Discover() error = nil, want server error")
	}
	if client.ClassOf(err) != client.ErrorClassServer {
		t.Errorf("ClassOf() = %v, want %v", client.ClassOf(err), client.ErrorClassServer)
	}
	if n := mock.GetPathCount("/search/users"); n != 2 {
		t.Errorf("search requests = %d, want 2 (maxRetries + 1)", n)
	}
}
