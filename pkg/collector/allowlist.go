package collector

import (
	"strings"

	"github.com/Sternrassler/gh-harvest/pkg/model"
)

// AllowList decides account eligibility by location. An account is eligible
// when its location contains any of the terms, ignoring case. An empty list
// makes every account eligible.
type AllowList struct {
	terms []string
}

// NewAllowList builds an AllowList from location terms. Blank terms are dropped.
func NewAllowList(terms ...string) AllowList {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return AllowList{terms: out}
}

// Allows reports whether the account is eligible.
func (a AllowList) Allows(acct *model.Account) bool {
	if len(a.terms) == 0 {
		return true
	}
	loc := strings.ToLower(acct.Location)
	for _, t := range a.terms {
		if strings.Contains(loc, t) {
			return true
		}
	}
	return false
}
