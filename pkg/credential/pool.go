// Package credential implements the credential pool: a set of interchangeable
// API tokens whose quota is tracked per resource class.
//
// Every state transition happens under one mutex. Acquire reserves one call of
// quota atomically, so concurrent workers never over-commit a credential
// between the call being issued and the server reporting the new remaining.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ResourceClass names a group of calls sharing one rate-limit bucket.
type ResourceClass string

const (
	ClassAccountLookup   ResourceClass = "account-lookup"
	ClassRepositoryFetch ResourceClass = "repository-fetch"
	ClassSearch          ResourceClass = "search"
)

// State is the state of a (credential, resource class) pair.
type State string

const (
	StateActive    State = ratelimit.StatusActive
	StateExhausted State = ratelimit.StatusExhausted
	StateInvalid   State = ratelimit.StatusInvalid
)

var (
	// ErrNoCredentials is returned when every credential has been marked invalid.
	ErrNoCredentials = errors.New("no usable credentials")

	// ErrCredentialExhausted is returned by TryAcquire when no credential has quota left.
	ErrCredentialExhausted = errors.New("all credentials exhausted")

	// ErrCredentialInvalid marks an authentication failure.
	ErrCredentialInvalid = errors.New("credential invalid")
)

const (
	// DefaultSecondaryBackoff is the minimum pause after a secondary rate limit.
	DefaultSecondaryBackoff = 60 * time.Second

	// DefaultResetFallback is used only when a window is exhausted and the
	// server never reported when it resets.
	DefaultResetFallback = 60 * time.Second

	// probeQuota lets one call through for classes without a configured quota
	// so the server can report the real window.
	probeQuota = 1

	observerTimeout = 2 * time.Second
)

// Observer receives quota state after every server reconciliation.
type Observer interface {
	Record(ctx context.Context, credentialID, class string, state ratelimit.QuotaState) error
}

// QuotaSource provides previously observed quota state for Restore.
type QuotaSource interface {
	Load(ctx context.Context, credentialID, class string) (*ratelimit.QuotaState, error)
}

// Config holds pool configuration.
type Config struct {
	// InitialQuota is the assumed window per class until the server reports one.
	InitialQuota map[ResourceClass]int

	// SecondaryBackoff is the minimum backoff after an abuse signal.
	SecondaryBackoff time.Duration

	// ResetFallback applies when a window is exhausted without a known reset.
	ResetFallback time.Duration

	// Clock drives reset and backoff timing (default: SystemClock).
	Clock Clock

	// Observer mirrors quota state, e.g. ratelimit.Tracker (optional).
	Observer Observer
}

// DefaultConfig returns GitHub's documented authenticated quotas.
func DefaultConfig() Config {
	return Config{
		InitialQuota: map[ResourceClass]int{
			ClassAccountLookup:   5000,
			ClassRepositoryFetch: 5000,
			ClassSearch:          30,
		},
		SecondaryBackoff: DefaultSecondaryBackoff,
		ResetFallback:    DefaultResetFallback,
		Clock:            SystemClock{},
	}
}

type quota struct {
	remaining   int
	limit       int
	outstanding int
	resetAt     time.Time
	lastUpdate  time.Time
	exhausted   bool

	// reported and reportedReset are the lowest server remaining seen for
	// the window ending at reportedReset.
	reported      int
	reportedReset time.Time
}

type credential struct {
	id           string
	secret       string
	invalid      bool
	lastUsed     time.Time
	backoffUntil time.Time
	inflight     int
	quotas       map[ResourceClass]*quota
}

// Status is a point-in-time view of one (credential, class) pair.
type Status struct {
	Credential   string        `json:"credential"`
	Class        ResourceClass `json:"class"`
	State        State         `json:"state"`
	Remaining    int           `json:"remaining"`
	Limit        int           `json:"limit"`
	InFlight     int           `json:"in_flight"`
	ResetAt      time.Time     `json:"reset_at"`
	BackoffUntil time.Time     `json:"backoff_until"`
}

// Pool owns the credentials and their quota state.
type Pool struct {
	mu      sync.Mutex
	creds   []*credential
	cfg     Config
	changed chan struct{}
	logger  zerolog.Logger
}

// NewPool loads the credentials once. Empty and duplicate secrets are ignored.
func NewPool(secrets []string, cfg Config) (*Pool, error) {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.SecondaryBackoff <= 0 {
		cfg.SecondaryBackoff = DefaultSecondaryBackoff
	}
	if cfg.ResetFallback <= 0 {
		cfg.ResetFallback = DefaultResetFallback
	}
	if cfg.InitialQuota == nil {
		cfg.InitialQuota = DefaultConfig().InitialQuota
	}

	seen := make(map[string]bool, len(secrets))
	var creds []*credential
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		creds = append(creds, &credential{
			id:     Prefix(s, len(creds)),
			secret: s,
			quotas: make(map[ResourceClass]*quota),
		})
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("at least one credential is required")
	}

	return &Pool{
		creds:   creds,
		cfg:     cfg,
		changed: make(chan struct{}),
		logger:  log.With().Str("component", "credential-pool").Logger(),
	}, nil
}

// Prefix returns the loggable identifier of a secret: a short prefix and the
// credential's position in the pool.
func Prefix(secret string, index int) string {
	n := 8
	if len(secret) < 4*n {
		n = len(secret) / 4
	}
	return fmt.Sprintf("%s#%d", secret[:n], index)
}

// Len returns the number of loaded credentials, including invalid ones.
func (p *Pool) Len() int {
	return len(p.creds)
}

// Acquire returns a handle on the credential with the most quota left for
// class and reserves one call against it. When every credential is exhausted
// it sleeps until the earliest reset or backoff expiry and re-evaluates.
// There is no upper bound on that wait other than ctx.
func (p *Pool) Acquire(ctx context.Context, class ResourceClass) (*Handle, error) {
	start := p.cfg.Clock.Now()
	logged := false

	for {
		p.mu.Lock()
		h, wake, err := p.tryAcquireLocked(class)
		changed := p.changed
		p.mu.Unlock()

		if err == nil {
			AcquireWait.WithLabelValues(string(class)).Observe(p.cfg.Clock.Now().Sub(start).Seconds())
			return h, nil
		}
		if errors.Is(err, ErrNoCredentials) {
			return nil, err
		}

		var timer <-chan time.Time
		if !wake.IsZero() {
			timer = p.cfg.Clock.After(wake.Sub(p.cfg.Clock.Now()))
		}

		if !logged {
			p.logger.Info().
				Str("class", string(class)).
				Time("wake_at", wake).
				Msg("All credentials exhausted, waiting for quota reset")
			logged = true
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s credential: %w", class, ctx.Err())
		case <-timer:
		case <-changed:
		}
	}
}

// TryAcquire is the non-blocking form of Acquire. When nothing is available it
// returns ErrCredentialExhausted and the earliest time worth retrying (zero if
// only an in-flight report can free quota).
func (p *Pool) TryAcquire(class ResourceClass) (*Handle, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tryAcquireLocked(class)
}

func (p *Pool) tryAcquireLocked(class ResourceClass) (*Handle, time.Time, error) {
	now := p.cfg.Clock.Now()

	var (
		best  *credential
		bestQ *quota
		wake  time.Time
	)
	usable := 0
	for _, c := range p.creds {
		if c.invalid {
			continue
		}
		usable++

		q := p.quotaLocked(c, class)
		p.refreshLocked(c, class, q, now)

		if c.available(q, now) {
			if best == nil ||
				q.remaining > bestQ.remaining ||
				(q.remaining == bestQ.remaining && c.lastUsed.Before(best.lastUsed)) {
				best, bestQ = c, q
			}
			continue
		}
		if next := c.nextWake(q, now); !next.IsZero() && (wake.IsZero() || next.Before(wake)) {
			wake = next
		}
	}

	if usable == 0 {
		return nil, time.Time{}, ErrNoCredentials
	}
	if best == nil {
		return nil, wake, ErrCredentialExhausted
	}

	bestQ.remaining--
	bestQ.outstanding++
	best.inflight++
	best.lastUsed = now

	QuotaRemaining.WithLabelValues(best.id, string(class)).Set(float64(bestQ.remaining))
	InFlight.WithLabelValues(best.id).Set(float64(best.inflight))

	return &Handle{cred: best, class: class, acquiredAt: now}, time.Time{}, nil
}

// ReportUsage settles the call reserved by h. consumed is the number of quota
// units the call cost: 1 for an ordinary call, 0 if it was never sent.
func (p *Pool) ReportUsage(h *Handle, class ResourceClass, consumed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Clock.Now()
	c := h.cred
	q := p.quotaLocked(c, class)

	charge := consumed
	if !h.settled && h.class == class {
		h.settled = true
		q.outstanding--
		c.inflight--
		charge = consumed - 1
		InFlight.WithLabelValues(c.id).Set(float64(c.inflight))
	}

	switch {
	case charge < 0:
		q.remaining -= charge
		if q.limit > 0 && q.remaining > q.limit {
			q.remaining = q.limit
		}
	case charge > 0:
		q.remaining -= charge
		if q.remaining < 0 {
			q.remaining = 0
		}
	}
	p.guardWindowLocked(q, now)

	QuotaRemaining.WithLabelValues(c.id, string(class)).Set(float64(q.remaining))
	p.notifyLocked()
}

// ReportLimit reconciles local state with the server's view. The server value
// wins; calls reserved on the same pair and not yet settled are subtracted
// because the server may not have counted them yet.
func (p *Pool) ReportLimit(h *Handle, class ResourceClass, remaining, limit int, resetAt time.Time) {
	p.mu.Lock()

	now := p.cfg.Clock.Now()
	c := h.cred
	q := p.quotaLocked(c, class)

	// Responses can arrive out of order. Within one window the server's
	// count only goes down, and a report for a window that already ended
	// says nothing about the current one.
	if !resetAt.IsZero() {
		if !resetAt.After(now) || (resetAt.Equal(q.reportedReset) && remaining > q.reported) {
			q.lastUpdate = now
			p.mu.Unlock()
			return
		}
		q.reported, q.reportedReset = remaining, resetAt
	}

	others := q.outstanding
	if !h.settled && h.class == class {
		others--
	}

	q.remaining = remaining - others
	if q.remaining < 0 {
		q.remaining = 0
	}
	if limit > 0 {
		q.limit = limit
	}
	if !resetAt.IsZero() {
		q.resetAt = resetAt
	}
	q.lastUpdate = now

	wasExhausted := q.exhausted
	q.exhausted = remaining == 0
	p.guardWindowLocked(q, now)

	switch {
	case q.exhausted && !wasExhausted:
		Transitions.WithLabelValues(string(class), string(StateExhausted)).Inc()
		p.logger.Info().
			Str("credential", c.id).
			Str("class", string(class)).
			Time("reset_at", q.resetAt).
			Msg("Credential quota exhausted")
	case !q.exhausted && wasExhausted:
		Transitions.WithLabelValues(string(class), string(StateActive)).Inc()
	}

	QuotaRemaining.WithLabelValues(c.id, string(class)).Set(float64(q.remaining))
	state := p.quotaStateLocked(c, q, now)
	p.notifyLocked()
	p.mu.Unlock()

	p.observe(c.id, class, state)
}

// ReportRateLimited marks the pair exhausted after a primary rate-limit
// response. resetAt is the server-reported reset.
func (p *Pool) ReportRateLimited(h *Handle, class ResourceClass, resetAt time.Time) {
	p.mu.Lock()

	now := p.cfg.Clock.Now()
	c := h.cred
	q := p.quotaLocked(c, class)

	q.remaining = 0
	q.exhausted = true
	q.lastUpdate = now
	switch {
	case resetAt.After(now):
		q.resetAt = resetAt
	case !q.resetAt.After(now):
		q.resetAt = now.Add(p.cfg.ResetFallback)
	}
	// The server has said zero for this window; slower responses that
	// report quota left in it are stale.
	q.reported, q.reportedReset = 0, q.resetAt

	Transitions.WithLabelValues(string(class), string(StateExhausted)).Inc()
	QuotaRemaining.WithLabelValues(c.id, string(class)).Set(0)
	p.logger.Warn().
		Str("credential", c.id).
		Str("class", string(class)).
		Time("reset_at", q.resetAt).
		Msg("Credential rate limited")

	state := p.quotaStateLocked(c, q, now)
	p.notifyLocked()
	p.mu.Unlock()

	p.observe(c.id, class, state)
}

// ReportSecondary puts the whole credential into extended backoff after an
// abuse / secondary rate-limit signal.
func (p *Pool) ReportSecondary(h *Handle, class ResourceClass, retryAfter time.Duration) {
	p.mu.Lock()

	now := p.cfg.Clock.Now()
	c := h.cred
	q := p.quotaLocked(c, class)

	d := retryAfter
	if d < p.cfg.SecondaryBackoff {
		d = p.cfg.SecondaryBackoff
	}
	if until := now.Add(d); until.After(c.backoffUntil) {
		c.backoffUntil = until
	}

	Transitions.WithLabelValues(string(class), "BACKOFF").Inc()
	p.logger.Warn().
		Str("credential", c.id).
		Str("class", string(class)).
		Time("backoff_until", c.backoffUntil).
		Msg("Secondary rate limit, credential backing off")

	state := p.quotaStateLocked(c, q, now)
	p.notifyLocked()
	p.mu.Unlock()

	p.observe(c.id, class, state)
}

// MarkInvalid permanently removes the credential after an auth failure.
func (p *Pool) MarkInvalid(h *Handle) {
	p.mu.Lock()

	c := h.cred
	if c.invalid {
		p.mu.Unlock()
		return
	}
	c.invalid = true
	now := p.cfg.Clock.Now()

	states := make(map[ResourceClass]ratelimit.QuotaState, len(c.quotas))
	for class, q := range c.quotas {
		Transitions.WithLabelValues(string(class), string(StateInvalid)).Inc()
		states[class] = p.quotaStateLocked(c, q, now)
	}

	p.logger.Warn().
		Str("credential", c.id).
		Msg("Credential invalid, removed from pool")

	p.notifyLocked()
	p.mu.Unlock()

	for class, s := range states {
		p.observe(c.id, class, s)
	}
}

// Snapshot returns the state of every (credential, class) pair seen so far.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Clock.Now()
	var out []Status
	for _, c := range p.creds {
		for class, q := range c.quotas {
			p.refreshLocked(c, class, q, now)
			out = append(out, Status{
				Credential:   c.id,
				Class:        class,
				State:        c.state(q, now),
				Remaining:    q.remaining,
				Limit:        q.limit,
				InFlight:     q.outstanding,
				ResetAt:      q.resetAt,
				BackoffUntil: c.backoffUntil,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Credential != out[j].Credential {
			return out[i].Credential < out[j].Credential
		}
		return out[i].Class < out[j].Class
	})
	return out
}

// Restore seeds quota state from a shared mirror. States whose window has
// already passed are ignored. Returns the number of pairs restored.
func (p *Pool) Restore(ctx context.Context, src QuotaSource) (int, error) {
	classes := make([]ResourceClass, 0, len(p.cfg.InitialQuota))
	for class := range p.cfg.InitialQuota {
		classes = append(classes, class)
	}

	type loaded struct {
		cred  *credential
		class ResourceClass
		state *ratelimit.QuotaState
	}
	var found []loaded
	for _, c := range p.creds {
		for _, class := range classes {
			s, err := src.Load(ctx, c.id, string(class))
			if errors.Is(err, ratelimit.ErrNoState) {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("restore %s/%s: %w", c.id, class, err)
			}
			found = append(found, loaded{cred: c, class: class, state: s})
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Clock.Now()
	restored := 0
	for _, l := range found {
		c, s := l.cred, l.state
		if s.Status == ratelimit.StatusInvalid {
			c.invalid = true
			restored++
			continue
		}
		if s.BackoffUntil.After(c.backoffUntil) {
			c.backoffUntil = s.BackoffUntil
		}
		if s.WindowPassed(now) {
			continue
		}
		q := p.quotaLocked(c, l.class)
		q.remaining = s.Remaining
		q.limit = s.Limit
		q.resetAt = s.ResetAt
		q.exhausted = s.Remaining == 0 || s.Status == ratelimit.StatusExhausted
		q.lastUpdate = s.LastUpdate
		restored++
	}

	if restored > 0 {
		p.logger.Info().Int("restored", restored).Msg("Quota state restored from mirror")
		p.notifyLocked()
	}
	return restored, nil
}

func (p *Pool) quotaLocked(c *credential, class ResourceClass) *quota {
	q, ok := c.quotas[class]
	if !ok {
		initial, ok := p.cfg.InitialQuota[class]
		if !ok || initial <= 0 {
			initial = probeQuota
		}
		q = &quota{remaining: initial, limit: initial}
		c.quotas[class] = q
	}
	return q
}

// refreshLocked refills a window once the clock has passed its reset time.
func (p *Pool) refreshLocked(c *credential, class ResourceClass, q *quota, now time.Time) {
	if q.resetAt.IsZero() || now.Before(q.resetAt) {
		return
	}

	wasExhausted := q.exhausted || q.remaining == 0
	limit := q.limit
	if limit <= 0 {
		limit = p.cfg.InitialQuota[class]
	}
	q.remaining = limit - q.outstanding
	if q.remaining < 0 {
		q.remaining = 0
	}
	q.exhausted = false
	q.resetAt = time.Time{}

	if wasExhausted {
		Transitions.WithLabelValues(string(class), string(StateActive)).Inc()
		p.logger.Debug().
			Str("credential", c.id).
			Str("class", string(class)).
			Int("remaining", q.remaining).
			Msg("Quota window reset")
	}
	QuotaRemaining.WithLabelValues(c.id, string(class)).Set(float64(q.remaining))
}

// guardWindowLocked gives an empty window without a known reset (and nothing
// in flight that could report one) a fallback reset time.
func (p *Pool) guardWindowLocked(q *quota, now time.Time) {
	if q.remaining == 0 && q.resetAt.IsZero() && q.outstanding == 0 {
		q.resetAt = now.Add(p.cfg.ResetFallback)
	}
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) quotaStateLocked(c *credential, q *quota, now time.Time) ratelimit.QuotaState {
	return ratelimit.QuotaState{
		Remaining:    q.remaining,
		Limit:        q.limit,
		ResetAt:      q.resetAt,
		BackoffUntil: c.backoffUntil,
		Status:       string(c.state(q, now)),
		LastUpdate:   now,
	}
}

func (p *Pool) observe(credentialID string, class ResourceClass, state ratelimit.QuotaState) {
	if p.cfg.Observer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()

	if err := p.cfg.Observer.Record(ctx, credentialID, string(class), state); err != nil {
		p.logger.Warn().Err(err).
			Str("credential", credentialID).
			Str("class", string(class)).
			Msg("Failed to mirror quota state")
	}
}

func (c *credential) available(q *quota, now time.Time) bool {
	return !c.invalid && !q.exhausted && q.remaining > 0 && !now.Before(c.backoffUntil)
}

func (c *credential) state(q *quota, now time.Time) State {
	switch {
	case c.invalid:
		return StateInvalid
	case c.available(q, now):
		return StateActive
	default:
		return StateExhausted
	}
}

// nextWake is the earliest time the pair can become available without a new
// server report. Zero means only a report can free it.
func (c *credential) nextWake(q *quota, now time.Time) time.Time {
	var t time.Time
	if now.Before(c.backoffUntil) {
		t = c.backoffUntil
	}
	if (q.exhausted || q.remaining == 0) && q.resetAt.After(t) {
		t = q.resetAt
	}
	return t
}
