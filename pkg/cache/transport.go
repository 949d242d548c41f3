package cache

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is an http.RoundTripper that revalidates cached GET responses
// with If-None-Match and serves the cached body on 304 Not Modified.
// Cache failures never fail the request; they degrade to a plain call.
type Transport struct {
	manager *Manager
	base    http.RoundTripper
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(manager *Manager, base http.RoundTripper, ttl time.Duration) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Transport{
		manager: manager,
		base:    base,
		ttl:     ttl,
		logger:  log.With().Str("component", "http-cache").Logger(),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.manager == nil || req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	key := KeyFromRequest(req)

	entry, err := t.manager.Lookup(ctx, key)
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		t.logger.Debug().Err(err).Str("key", key.String()).Msg("cache lookup failed")
	}

	outgoing := req
	if entry != nil && ShouldMakeConditionalRequest(entry) {
		// RoundTrippers must not modify the caller's request.
		outgoing = req.Clone(ctx)
		AddConditionalHeaders(outgoing, entry)
		ConditionalRequestsSent.Inc()
	}

	resp, err := t.base.RoundTrip(outgoing)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && entry != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		updated, err := t.manager.Revalidated(ctx, key, entry, resp.Header, t.ttl)
		if err != nil {
			t.logger.Debug().Err(err).Str("key", key.String()).Msg("cache refresh failed")
		}
		return EntryToResponse(updated, req), nil
	}

	if isCacheable(resp) {
		fresh, err := ResponseToEntry(resp, t.ttl)
		if err != nil {
			return nil, err
		}
		if err := t.manager.Store(ctx, key, fresh); err != nil {
			t.logger.Debug().Err(err).Str("key", key.String()).Msg("cache store failed")
		}
	}

	return resp, nil
}
