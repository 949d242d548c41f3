package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// List is a saved discovery result. A list file can be passed back to
// collect as an accounts file.
type List struct {
	Location    string    `json:"location,omitempty"`
	Filters     []string  `json:"filters,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
	Total       int       `json:"total_accounts"`

	// Complete is false when discovery stopped at MaxAccounts.
	Complete bool     `json:"complete"`
	Accounts []string `json:"accounts"`
}

// NewList records the accounts found for q.
func NewList(q Query, accounts []string, now time.Time) *List {
	return &List{
		Location:    q.Location,
		Filters:     q.Filters,
		CollectedAt: now,
		Total:       len(accounts),
		Complete:    q.MaxAccounts <= 0 || len(accounts) < q.MaxAccounts,
		Accounts:    accounts,
	}
}

// Serves reports whether the list can stand in for a new search for q:
// same location, younger than maxAge, and long enough.
func (l *List) Serves(q Query, maxAge time.Duration, now time.Time) bool {
	if !strings.EqualFold(l.Location, q.Location) {
		return false
	}
	if maxAge > 0 && now.Sub(l.CollectedAt) >= maxAge {
		return false
	}
	return l.Complete || (q.MaxAccounts > 0 && len(l.Accounts) >= q.MaxAccounts)
}

// SaveList writes l as indented JSON, replacing path atomically.
func SaveList(path string, l *List) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account list: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".accounts-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write account list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close account list: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename account list: %w", err)
	}
	return nil
}

// LoadList reads a list written by SaveList. A bare JSON array of logins
// is accepted as well.
func LoadList(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read account list: %w", err)
	}

	var logins []string
	if err := json.Unmarshal(data, &logins); err == nil {
		return &List{Total: len(logins), Accounts: logins}, nil
	}

	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode account list %s: %w", path, err)
	}
	if l.Accounts == nil {
		return nil, errors.New("account list " + path + " has no accounts")
	}
	return &l, nil
}
