package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/gh-harvest/pkg/discovery"
)

// readAccounts merges logins from the command line and from files with one
// login per line. Blank lines and lines starting with # are skipped.
// Files ending in .json are read as discovery lists.
// Duplicates are dropped case-insensitively, keeping the first spelling.
func readAccounts(inline []string, files ...string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(login string) {
		login = strings.TrimSpace(login)
		if login == "" || strings.HasPrefix(login, "#") {
			return
		}
		key := strings.ToLower(login)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, login)
	}

	for _, l := range inline {
		add(l)
	}
	for _, path := range files {
		if strings.HasSuffix(path, ".json") {
			l, err := discovery.LoadList(path)
			if err != nil {
				return nil, err
			}
			for _, login := range l.Accounts {
				add(login)
			}
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open accounts file: %w", err)
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			add(sc.Text())
		}
		err = sc.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return out, nil
}

// sliceAccounts returns max accounts starting at start. max <= 0 takes the
// rest of the list.
func sliceAccounts(accounts []string, start, max int) []string {
	if start >= len(accounts) {
		return nil
	}
	accounts = accounts[start:]
	if max > 0 && max < len(accounts) {
		accounts = accounts[:max]
	}
	return accounts
}

type accountFinder interface {
	Discover(ctx context.Context, q discovery.Query) ([]string, error)
}

// discoverAccounts searches for q, or reuses the list saved at path while
// it still serves q. A new search result is saved to path.
func discoverAccounts(ctx context.Context, finder accountFinder, q discovery.Query, path string, maxAge time.Duration) ([]string, error) {
	if path != "" {
		l, err := discovery.LoadList(path)
		switch {
		case err == nil && l.Serves(q, maxAge, time.Now()):
			log.Info().
				Str("file", path).
				Int("accounts", len(l.Accounts)).
				Dur("age", time.Since(l.CollectedAt)).
				Msg("Using saved account list")
			return l.Accounts, nil
		case err == nil:
			log.Info().Str("file", path).Msg("Saved account list is stale, searching again")
		case !errors.Is(err, fs.ErrNotExist):
			log.Warn().Err(err).Str("file", path).Msg("Ignoring unreadable account list")
		}
	}

	accounts, err := finder.Discover(ctx, q)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := discovery.SaveList(path, discovery.NewList(q, accounts, time.Now())); err != nil {
			return nil, err
		}
		log.Info().Str("file", path).Int("accounts", len(accounts)).Msg("Account list saved")
	}
	return accounts, nil
}
