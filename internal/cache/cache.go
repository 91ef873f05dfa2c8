package cache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plagapro/plagapro/backend/internal/db"
	apperrors "github.com/plagapro/plagapro/backend/internal/errors"
	"github.com/plagapro/plagapro/backend/internal/events"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/models"
	"github.com/plagapro/plagapro/backend/internal/remote"
	"github.com/plagapro/plagapro/backend/internal/sweeper"
	"github.com/plagapro/plagapro/backend/internal/sync/queue"
	"github.com/plagapro/plagapro/backend/internal/telemetry"
)

// Observer is fed the outcome of every remote call (the connectivity monitor).
type Observer interface {
	Observe(err error)
}

// Metrics records cache activity.
type Metrics interface {
	ObserveCacheRequest(class, outcome string)
	ObserveEvictions(n int)
}

type nopObserver struct{}

func (nopObserver) Observe(error) {}

type nopMetrics struct{}

func (nopMetrics) ObserveCacheRequest(string, string) {}
func (nopMetrics) ObserveEvictions(int)               {}

// Cache implements the request policies on top of the durable store, the
// remote client and the pending-change queue.
type Cache struct {
	repo     db.CacheEntryRepository
	client   remote.Client
	queue    *queue.Queue
	policy   Policy
	expiry   sweeper.Policy
	observer Observer
	bus      events.Publisher
	metrics  Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithObserver feeds remote call outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithPublisher publishes cache.updated events.
func WithPublisher(p events.Publisher) Option {
	return func(c *Cache) { c.bus = p }
}

// WithMetrics records request outcomes and lazy evictions.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache. q may be nil, in which case writes are network-only.
func New(repo db.CacheEntryRepository, client remote.Client, q *queue.Queue, policy Policy, expiry sweeper.Policy, opts ...Option) *Cache {
	c := &Cache{
		repo:     repo,
		client:   client,
		queue:    q,
		policy:   policy,
		expiry:   expiry,
		observer: nopObserver{},
		bus:      events.Nop{},
		metrics:  nopMetrics{},
		tracer:   telemetry.Tracer(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the classification policy.
func (c *Cache) Policy() Policy {
	return c.policy
}

// FetchWithPolicy performs a request under the policy of its class.
// Absolute URLs outside the remote store are refused without a network call.
func (c *Cache) FetchWithPolicy(ctx context.Context, method, rawURL string, body []byte) *Result {
	target, err := c.policy.Resolve(rawURL)
	if err != nil {
		c.metrics.ObserveCacheRequest(string(ClassPassThrough), string(OutcomeFailed))
		return &Result{
			Class:   ClassPassThrough,
			Outcome: OutcomeFailed,
			Status:  http.StatusBadRequest,
			Err:     apperrors.Wrap(apperrors.ErrInvalid, "request url refused", err),
		}
	}
	rawURL = target
	class := c.policy.Classify(method, rawURL)

	ctx, span := c.tracer.Start(ctx, "cache.FetchWithPolicy", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("cache.class", string(class)),
	))
	defer span.End()

	var res *Result
	switch class {
	case ClassStatic:
		res = c.cacheFirst(ctx, method, rawURL)
	case ClassAPIRead:
		res = c.networkFirst(ctx, method, rawURL)
	case ClassAPIWrite:
		res = c.fetchWrite(ctx, method, rawURL, body)
	default:
		res = c.passThrough(ctx, method, rawURL, body)
	}
	res.Class = class

	span.SetAttributes(attribute.String("cache.outcome", string(res.Outcome)))
	if res.Kind() == KindTerminal {
		span.SetStatus(codes.Error, string(res.Outcome))
	}
	c.metrics.ObserveCacheRequest(string(class), string(res.Outcome))
	return res
}

// CachedRead returns the cached entry for key without touching the network.
func (c *Cache) CachedRead(ctx context.Context, key string) *Result {
	entry, degraded := c.lookup(ctx, key)
	if entry == nil {
		return &Result{
			Outcome:       OutcomeUnavailable,
			Key:           key,
			Status:        http.StatusServiceUnavailable,
			ContentType:   "application/json",
			Body:          UnavailableBody(key),
			StoreDegraded: degraded,
			Err:           apperrors.New(apperrors.ErrUnavailableOffline, "no cached data for "+key),
		}
	}
	return fromEntry(entry, ClassAPIRead)
}

// Invalidate removes one entry. Removing a missing key is not an error.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.repo.DeleteCacheEntry(ctx, key)
}

// Clear removes every entry and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	n, err := c.repo.ClearCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	logging.Info("response cache cleared", map[string]interface{}{"removed": n})
	return n, nil
}

// Store writes a successful response under key. Non-2xx responses are
// ignored. It reports whether the store accepted the write.
func (c *Cache) Store(ctx context.Context, key string, class Class, resp *remote.Response) bool {
	if resp.Status < 200 || resp.Status > 299 {
		return true
	}
	entry := &models.CacheEntry{
		Key:           key,
		Payload:       resp.Body,
		ContentType:   resp.ContentType(),
		StatusCode:    resp.Status,
		CreatedAt:     c.now().UTC(),
		SchemaVersion: c.expiry.SchemaVersion,
	}
	if err := c.repo.PutCacheEntry(ctx, entry); err != nil {
		logging.Warn("cache write failed, continuing network-only", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	c.bus.Publish(events.CacheUpdated, map[string]interface{}{
		"key":   key,
		"class": string(class),
	})
	return true
}

func (c *Cache) cacheFirst(ctx context.Context, method, rawURL string) *Result {
	key := Key(method, rawURL)
	entry, degraded := c.lookup(ctx, key)
	if entry != nil {
		return fromEntry(entry, ClassStatic)
	}

	resp, err := c.do(ctx, &remote.Request{Method: method, Path: rawURL})
	if err != nil {
		return unavailable(key, degraded, err)
	}
	stored := c.Store(ctx, key, ClassStatic, resp)
	return fromResponse(OutcomeNetwork, key, resp, degraded || !stored)
}

func (c *Cache) networkFirst(ctx context.Context, method, rawURL string) *Result {
	key := Key(method, rawURL)

	resp, err := c.do(ctx, &remote.Request{Method: method, Path: rawURL})
	if err == nil {
		stored := c.Store(ctx, key, ClassAPIRead, resp)
		return fromResponse(OutcomeNetwork, key, resp, !stored)
	}

	entry, degraded := c.lookup(ctx, key)
	if entry != nil {
		logging.Debug("serving cached response after network failure", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		res := fromEntry(entry, ClassAPIRead)
		res.Err = err
		return res
	}
	return unavailable(key, degraded, err)
}

func (c *Cache) passThrough(ctx context.Context, method, rawURL string, body []byte) *Result {
	resp, err := c.do(ctx, &remote.Request{Method: method, Path: rawURL, Body: body})
	if err != nil {
		return &Result{Outcome: OutcomeFailed, Status: http.StatusBadGateway, Err: err}
	}
	return fromResponse(OutcomePassThrough, "", resp, false)
}

// do performs a remote call and reports its outcome to the observer. Timeout
// statuses come back as connectivity errors.
func (c *Cache) do(ctx context.Context, req *remote.Request) (*remote.Response, error) {
	resp, err := c.client.Do(ctx, req)
	if err == nil {
		if statusErr := remote.CheckStatus(resp); remote.IsConnectivity(statusErr) {
			err = statusErr
		}
	}
	c.observer.Observe(err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// lookup returns the live entry for key, evicting it when expired. degraded
// is true when the store could not be read.
func (c *Cache) lookup(ctx context.Context, key string) (*models.CacheEntry, bool) {
	entry, err := c.repo.GetCacheEntry(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		logging.Warn("cache read failed, continuing network-only", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, true
	}
	if c.expiry.Expired(entry, c.now()) {
		if err := c.repo.DeleteCacheEntry(ctx, key); err == nil {
			c.metrics.ObserveEvictions(1)
		}
		return nil, false
	}
	return entry, false
}

func fromEntry(entry *models.CacheEntry, class Class) *Result {
	cachedAt := entry.CreatedAt
	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &Result{
		Class:       class,
		Outcome:     OutcomeCache,
		Key:         entry.Key,
		Status:      status,
		ContentType: entry.ContentType,
		Body:        entry.Payload,
		CachedAt:    &cachedAt,
	}
}

func fromResponse(outcome Outcome, key string, resp *remote.Response, degraded bool) *Result {
	return &Result{
		Outcome:       outcome,
		Key:           key,
		Status:        resp.Status,
		ContentType:   resp.ContentType(),
		Body:          resp.Body,
		StoreDegraded: degraded,
	}
}

func unavailable(key string, degraded bool, cause error) *Result {
	return &Result{
		Outcome:       OutcomeUnavailable,
		Key:           key,
		Status:        http.StatusServiceUnavailable,
		ContentType:   "application/json",
		Body:          UnavailableBody(key),
		StoreDegraded: degraded,
		Err:           apperrors.Wrap(apperrors.ErrUnavailableOffline, "no network and no cached copy of "+key, cause),
	}
}
