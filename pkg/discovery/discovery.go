// Package discovery finds the accounts to collect by searching users by
// location.
//
// The search API returns at most 1000 results per query, so a location is
// searched as several filter slices (repository count ranges) whose result
// sets each stay below that cap. Logins are deduplicated across slices.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/collector"
	"github.com/Sternrassler/gh-harvest/pkg/credential"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/Sternrassler/gh-harvest/pkg/retry"
)

// SearchResultCap is the number of results the search API serves per query.
const SearchResultCap = 1000

var accountsFound = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gh_harvest_discovery_accounts_total",
	Help: "Accounts returned by search by result",
}, []string{"result"})

// API is the part of the GitHub client discovery needs.
type API interface {
	SearchAccounts(ctx context.Context, h *credential.Handle, query string, page int) (*client.SearchPage, ratelimit.Observation, error)
}

// Query describes a discovery.
type Query struct {
	// Location is matched by the search qualifier location:<x>.
	Location string

	// Filters are additional qualifiers, one search per entry. Empty
	// searches the location alone.
	Filters []string

	// MaxAccounts stops discovery once this many logins were found.
	// Zero means no limit.
	MaxAccounts int
}

// DefaultFilters slices a location by public repository count. Ranges
// with many small accounts are narrowed by followers.
func DefaultFilters() []string {
	return []string{
		"repos:>=500",
		"repos:200..499",
		"repos:100..199",
		"repos:60..99",
		"repos:40..59",
		"repos:30..39",
		"repos:25..29",
		"repos:20..24",
		"repos:15..19",
		"repos:10..14 followers:>=50",
		"repos:10..14 followers:10..49",
		"repos:10..14 followers:<10",
		"repos:1..9 followers:>=5",
	}
}

// Discoverer runs searches under the search resource class.
type Discoverer struct {
	api    API
	caller *collector.Caller
	logger zerolog.Logger
}

// New creates a discoverer. policy bounds transient retries per page.
func New(api API, pool collector.Credentials, policy retry.Policy) *Discoverer {
	return &Discoverer{
		api:    api,
		caller: collector.NewCaller(pool, policy, "search"),
		logger: log.With().Str("component", "discovery").Logger(),
	}
}

// Queries builds the search strings of q.
func (q Query) Queries() []string {
	base := ""
	if q.Location != "" {
		loc := q.Location
		if strings.ContainsAny(loc, " \t") {
			loc = `"` + loc + `"`
		}
		base = "location:" + loc
	}
	if len(q.Filters) == 0 {
		return []string{base}
	}

	out := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		out = append(out, strings.TrimSpace(base+" "+f))
	}
	return out
}

// Discover returns the logins matching q in the order found, without
// duplicates.
func (d *Discoverer) Discover(ctx context.Context, q Query) ([]string, error) {
	queries := q.Queries()
	if len(queries) == 1 && queries[0] == "" {
		return nil, errors.New("discovery query needs a location or a filter")
	}

	seen := make(map[string]bool)
	var logins []string
	full := func() bool { return q.MaxAccounts > 0 && len(logins) >= q.MaxAccounts }

	for i, query := range queries {
		if full() {
			break
		}
		logger := d.logger.With().Str("query", query).Logger()
		logger.Info().Int("slice", i+1).Int("slices", len(queries)).Msg("Searching accounts")

		added := 0
		for page := 1; page != 0 && !full(); {
			var sp *client.SearchPage
			budget := &collector.Budget{}
			err := d.caller.Call(ctx, credential.ClassSearch, budget, logger, func(h *credential.Handle) (ratelimit.Observation, error) {
				p, obs, err := d.api.SearchAccounts(ctx, h, query, page)
				sp = p
				return obs, err
			})
			if err != nil {
				return logins, fmt.Errorf("search %q page %d: %w", query, page, err)
			}

			if page == 1 && sp.Total > SearchResultCap {
				logger.Warn().
					Int("total", sp.Total).
					Msg("Slice exceeds the search result cap, narrow the filter to see every account")
			}

			for _, login := range sp.Logins {
				key := strings.ToLower(login)
				if seen[key] {
					accountsFound.WithLabelValues("duplicate").Inc()
					continue
				}
				seen[key] = true
				logins = append(logins, login)
				added++
				accountsFound.WithLabelValues("new").Inc()
				if full() {
					break
				}
			}
			page = sp.NextPage
		}

		logger.Info().Int("added", added).Int("total", len(logins)).Msg("Slice searched")
	}

	return logins, nil
}
