package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// TokenFiles are read by LoadTokens when no files are given.
var TokenFiles = []string{".env.tokens", ".env"}

const tokenPrefix = "GITHUB_TOKEN_"

// LoadTokens collects GitHub tokens: GITHUB_TOKEN_<n> entries from the env
// files in numeric order, then GITHUB_TOKEN_1..n from the environment until
// the first gap. GITHUB_TOKEN is used only when nothing else is set.
// Duplicates are dropped. Missing files are skipped.
func LoadTokens(files ...string) ([]string, error) {
	if len(files) == 0 {
		files = TokenFiles
	}

	var tokens []string
	seen := make(map[string]bool)
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t != "" && !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}

	for _, f := range files {
		env, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		for _, t := range numbered(env) {
			add(t)
		}
	}

	for i := 1; ; i++ {
		t := os.Getenv(tokenPrefix + strconv.Itoa(i))
		if t == "" {
			break
		}
		add(t)
	}

	if len(tokens) == 0 {
		add(os.Getenv("GITHUB_TOKEN"))
	}
	return tokens, nil
}

// numbered returns the GITHUB_TOKEN_<n> values of env ordered by n.
func numbered(env map[string]string) []string {
	type entry struct {
		n     int
		value string
	}
	var entries []entry
	for k, v := range env {
		if !strings.HasPrefix(k, tokenPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(k, tokenPrefix))
		if err != nil {
			continue
		}
		entries = append(entries, entry{n, v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].n < entries[j].n })

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.value)
	}
	return out
}
