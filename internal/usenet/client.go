package usenet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/javi11/nzbvault/internal/nntp"
	"github.com/javi11/nzbvault/internal/yenc"
)

// StatsRecorder receives fetch outcomes keyed by (provider, job) for
// persistence. All methods must be safe for concurrent use and must not
// block the fetch path.
type StatsRecorder interface {
	RecordArticle(providerID, jobName string, bytes int64, elapsed time.Duration, success bool)
	RecordMissing(providerID, messageID, jobName, operation string)
}

// Usage describes who is fetching and why. Class drives pool admission;
// JobName and Operation annotate stats and missing-article events.
type Usage struct {
	Class     nntp.UsageClass
	JobName   string
	Operation string
}

// providerScore tracks in-memory fetch outcomes used to break priority ties.
type providerScore struct {
	success int64
	total   int64
}

// rate is a Laplace-smoothed success ratio so fresh providers start at 0.5
// instead of an extreme.
func (s *providerScore) rate() float64 {
	return (float64(s.success) + 1) / (float64(s.total) + 2)
}

// ClientOptions tune the article client.
type ClientOptions struct {
	// FetchRetries bounds attempts per provider for transient errors.
	FetchRetries uint

	// RetryDelay is the base backoff between attempts on one provider.
	RetryDelay time.Duration

	// CacheSize is the number of decoded articles kept in the LRU cache.
	// Zero disables caching.
	CacheSize int

	// Recorder persists fetch outcomes. May be nil.
	Recorder StatsRecorder
}

func (o *ClientOptions) withDefaults() {
	if o.FetchRetries == 0 {
		o.FetchRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 300 * time.Millisecond
	}
}

// Client fetches and decodes articles across a set of provider pools,
// failing over from primaries to backups. It is safe for concurrent use.
type Client struct {
	pools []*nntp.Pool
	opts  ClientOptions
	log   *slog.Logger
	cache *lru.Cache[string, *yenc.Part]

	mu     sync.Mutex
	scores map[string]*providerScore
	rng    *rand.Rand
}

// NewClient builds a client over the given pools. Pool order is irrelevant;
// failover order is derived from each provider's role and priority.
func NewClient(pools []*nntp.Pool, opts ClientOptions) (*Client, error) {
	if len(pools) == 0 {
		return nil, errors.New("usenet: at least one provider pool required")
	}
	opts.withDefaults()

	c := &Client{
		pools:  pools,
		opts:   opts,
		log:    slog.Default().With("component", "usenet-client"),
		scores: make(map[string]*providerScore, len(pools)),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, p := range pools {
		c.scores[p.Provider().ID()] = &providerScore{}
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[string, *yenc.Part](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("usenet: article cache: %w", err)
		}
		c.cache = cache
	}

	return c, nil
}

// Pools exposes the underlying provider pools for health reporting.
func (c *Client) Pools() []*nntp.Pool { return c.pools }

// Close tears down every provider pool.
func (c *Client) Close() {
	for _, p := range c.pools {
		p.Close()
	}
}

// FetchArticle downloads and yEnc-decodes one article, trying providers in
// failover order. Permanent misses on every provider yield ErrArticleMissing;
// any transient failure yields ErrArticleUnavailable instead, since a retry
// may still succeed.
func (c *Client) FetchArticle(ctx context.Context, messageID string, usage Usage) (*yenc.Part, error) {
	if c.cache != nil {
		if part, ok := c.cache.Get(messageID); ok {
			return part, nil
		}
	}

	var (
		sawTransient bool
		sawCorrupt   bool
		lastErr      error
	)

	for _, pool := range c.orderedPools() {
		providerID := pool.Provider().ID()

		part, err := c.fetchFromPool(ctx, pool, messageID, usage)
		if err == nil {
			c.noteOutcome(providerID, true)
			if c.cache != nil {
				c.cache.Add(messageID, part)
			}
			return part, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.noteOutcome(providerID, false)
		lastErr = err

		switch {
		case nntp.IsNotFound(err):
			if c.opts.Recorder != nil {
				c.opts.Recorder.RecordMissing(providerID, messageID, usage.JobName, usage.Operation)
			}
			c.log.Debug("Article missing on provider, failing over",
				"message_id", messageID, "provider", providerID)
		case isCorrupt(err):
			sawCorrupt = true
			c.log.Warn("Corrupt article on provider, failing over",
				"message_id", messageID, "provider", providerID, "err", err)
		default:
			sawTransient = true
			c.log.Warn("Provider fetch failed, failing over",
				"message_id", messageID, "provider", providerID, "err", err)
		}
	}

	switch {
	case sawTransient:
		return nil, &ArticleError{MessageID: messageID, Err: fmt.Errorf("%w: %v", ErrArticleUnavailable, lastErr)}
	case sawCorrupt:
		return nil, &ArticleError{MessageID: messageID, Err: fmt.Errorf("%w: %v", ErrCorruptArticle, lastErr)}
	default:
		return nil, &ArticleError{MessageID: messageID, Err: ErrArticleMissing}
	}
}

// CheckArticle issues STAT against providers in failover order and reports
// whether any of them still carries the article.
func (c *Client) CheckArticle(ctx context.Context, messageID string, usage Usage) (bool, error) {
	var lastErr error
	for _, pool := range c.orderedPools() {
		lease, err := pool.Acquire(ctx, usage.Class)
		if err != nil {
			lastErr = err
			continue
		}

		ok, err := lease.Conn().Stat(messageID)
		if err != nil {
			lease.Discard()
			lastErr = err
			continue
		}
		lease.Release()

		if ok {
			return true, nil
		}
	}
	if lastErr != nil {
		return false, fmt.Errorf("usenet: stat <%s>: %w", messageID, lastErr)
	}
	return false, nil
}

// fetchFromPool runs the retrying fetch loop against one provider.
func (c *Client) fetchFromPool(ctx context.Context, pool *nntp.Pool, messageID string, usage Usage) (*yenc.Part, error) {
	return retry.DoWithData(
		func() (*yenc.Part, error) {
			return c.fetchOnce(ctx, pool, messageID, usage)
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.FetchRetries),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Permanent misses and decode failures will not change on
			// this provider; only transport errors are worth retrying.
			return !nntp.IsNotFound(err) && !isCorrupt(err) &&
				!errors.Is(err, nntp.ErrProviderUnhealthy) && !errors.Is(err, nntp.ErrAuthFailed)
		}),
	)
}

func (c *Client) fetchOnce(ctx context.Context, pool *nntp.Pool, messageID string, usage Usage) (*yenc.Part, error) {
	lease, err := pool.Acquire(ctx, usage.Class)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := lease.Conn().Body(messageID)
	if err != nil {
		if nntp.IsNotFound(err) {
			// 430/423 leaves the session usable.
			lease.Release()
		} else {
			lease.Discard()
		}
		c.record(pool, usage, 0, time.Since(start), false)
		return nil, err
	}

	cr := &countingReader{r: body}
	part, err := yenc.Decode(cr)
	lease.TrackBytes(cr.n)
	if err != nil {
		// The dot-stream may not have been fully drained.
		lease.Discard()
		c.record(pool, usage, cr.n, time.Since(start), false)
		return nil, err
	}
	lease.Release()
	c.record(pool, usage, cr.n, time.Since(start), true)

	return part, nil
}

func (c *Client) record(pool *nntp.Pool, usage Usage, bytes int64, elapsed time.Duration, success bool) {
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordArticle(pool.Provider().ID(), usage.JobName, bytes, elapsed, success)
	}
}

func (c *Client) noteOutcome(providerID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scores[providerID]
	if s == nil {
		s = &providerScore{}
		c.scores[providerID] = s
	}
	s.total++
	if success {
		s.success++
	}
}

// orderedPools returns the failover order: healthy primaries by ascending
// priority, then healthy backups, unhealthy pools last. Ties in priority are
// broken by success-rate-weighted random choice so a flaky provider bleeds
// traffic to its peers without being cut off entirely.
func (c *Client) orderedPools() []*nntp.Pool {
	healthy := make([]*nntp.Pool, 0, len(c.pools))
	var unhealthy []*nntp.Pool
	for _, p := range c.pools {
		if p.Healthy() {
			healthy = append(healthy, p)
		} else {
			unhealthy = append(unhealthy, p)
		}
	}

	primaries := filterByRole(healthy, nntp.RolePrimary)
	backups := filterByRole(healthy, nntp.RoleBackup)

	ordered := append(c.orderTier(primaries), c.orderTier(backups)...)
	return append(ordered, unhealthy...)
}

func filterByRole(pools []*nntp.Pool, role nntp.ProviderRole) []*nntp.Pool {
	var out []*nntp.Pool
	for _, p := range pools {
		r := p.Provider().Role
		if r == role || (r == "" && role == nntp.RolePrimary) {
			out = append(out, p)
		}
	}
	return out
}

// orderTier sorts one role tier by priority, shuffling equal-priority groups
// with success-rate weighting.
func (c *Client) orderTier(pools []*nntp.Pool) []*nntp.Pool {
	sorted := make([]*nntp.Pool, len(pools))
	copy(sorted, pools)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Provider().Priority < sorted[j].Provider().Priority
	})

	out := make([]*nntp.Pool, 0, len(sorted))
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Provider().Priority == sorted[start].Provider().Priority {
			end++
		}
		out = append(out, c.weightedShuffle(sorted[start:end])...)
		start = end
	}
	return out
}

func (c *Client) weightedShuffle(group []*nntp.Pool) []*nntp.Pool {
	if len(group) <= 1 {
		return group
	}

	remaining := make([]*nntp.Pool, len(group))
	copy(remaining, group)

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*nntp.Pool, 0, len(remaining))
	for len(remaining) > 0 {
		var total float64
		for _, p := range remaining {
			total += c.scoreLocked(p)
		}
		pick := c.rng.Float64() * total
		idx := 0
		for i, p := range remaining {
			pick -= c.scoreLocked(p)
			if pick <= 0 {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

func (c *Client) scoreLocked(p *nntp.Pool) float64 {
	if s := c.scores[p.Provider().ID()]; s != nil {
		return s.rate()
	}
	return 0.5
}

func isCorrupt(err error) bool {
	return errors.Is(err, yenc.ErrCorruptArticle) || errors.Is(err, yenc.ErrMissingHeader)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
