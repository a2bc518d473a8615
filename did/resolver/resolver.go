package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/stablerwa/go-did-sdk/did"
	"github.com/stablerwa/go-did-sdk/did/config"
	"github.com/stablerwa/go-did-sdk/did/registry"
)

const (
	defaultMaxAttempts     = 3
	defaultTimeout         = 10 * time.Second
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second

	redisKeyPrefix = "did:resolution:"
)

// Resolution is the result of resolving a DID URL. Method or Service is set
// when the URL carries a fragment.
type Resolution struct {
	URL      *did.URL
	Document *did.Document
	Method   *did.VerificationMethod
	Service  *did.Service
}

// Resolver turns DIDs and DID URLs into documents.
type Resolver struct {
	methods  map[string]Method
	fallback Method

	cache Cache
	ttl   time.Duration
	clock Clock

	maxAttempts int
	timeout     time.Duration
	newBackOff  func() backoff.BackOff
	wait        func(context.Context, time.Duration) error
	observer    Observer

	group singleflight.Group

	// gens counts invalidations per DID. A fetch that started before the
	// latest invalidation does not write to the cache.
	mu   sync.Mutex
	gens map[string]uint64

	logger log.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMethod registers the handler for a DID method name.
func WithMethod(name string, m Method) Option {
	return func(r *Resolver) { r.methods[name] = m }
}

// WithFallback sets the handler used for methods without a registered one.
func WithFallback(m Method) Option {
	return func(r *Resolver) { r.fallback = m }
}

// WithCache enables caching. A zero ttl disables it.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.ttl = ttl
	}
}

// WithClock sets the time source used for cache freshness.
func WithClock(c Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithMaxAttempts bounds the attempts per resolution.
func WithMaxAttempts(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithTimeout bounds the total time of one resolution, retries included.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBackOff replaces the retry delay policy. f is called once per resolution.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(r *Resolver) { r.newBackOff = f }
}

// WithObserver receives retry state transitions.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a resolver. Without WithMethod or WithFallback every
// resolution fails with did.ErrMethodNotSupported.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		methods:     make(map[string]Method),
		gens:        make(map[string]uint64),
		clock:       realClock{},
		maxAttempts: defaultMaxAttempts,
		timeout:     defaultTimeout,
		wait:        sleep,
		logger:      log.Root().With("module", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newBackOff == nil {
		timeout := r.timeout
		r.newBackOff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(defaultInitialInterval),
				backoff.WithMaxInterval(defaultMaxInterval),
				backoff.WithMaxElapsedTime(timeout),
			)
		}
	}
	return r
}

// NewFromConfig builds a resolver for cfg. reg serves cfg.Method. The cache
// is Redis-backed when cfg.RedisAddr is set, in-process otherwise, and a
// universal resolver at cfg.RegistryURL handles every other method.
func NewFromConfig(cfg *config.Config, reg registry.Registry, opts ...Option) (*Resolver, error) {
	base := []Option{
		WithMethod(cfg.Method, NewLocalMethod(reg)),
		WithMaxAttempts(cfg.MaxResolutionAttempts),
		WithTimeout(cfg.ResolutionTimeout),
	}

	if cfg.EnableCache {
		var c Cache
		if cfg.RedisAddr != "" {
			c = NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), redisKeyPrefix)
		} else {
			c = NewMemoryCache(cfg.CacheSize, nil)
		}
		base = append(base, WithCache(c, cfg.CacheTTL))
	}

	if cfg.RegistryURL != "" {
		h, err := NewHTTPMethod(cfg.RegistryURL)
		if err != nil {
			return nil, err
		}
		base = append(base, WithFallback(h))
	}

	return New(append(base, opts...)...), nil
}

// Resolve resolves a DID URL. A fragment narrows the result to the
// verification method or service it names.
func (r *Resolver) Resolve(ctx context.Context, didURL string) (*Resolution, error) {
	u, err := did.ParseURL(didURL)
	if err != nil {
		return nil, did.NewError("resolve", didURL, err)
	}

	doc, err := r.ResolveDocument(ctx, u.DID)
	if err != nil {
		return nil, err
	}

	res := &Resolution{URL: u, Document: doc}
	if u.Fragment == "" {
		return res, nil
	}

	ref := u.MethodID()
	if vm, ok := doc.FindMethod(ref); ok {
		res.Method = vm
		return res, nil
	}
	if svc, ok := doc.FindService(ref); ok {
		res.Service = svc
		return res, nil
	}
	return nil, did.NewError("resolve", didURL, fmt.Errorf("%w: %s", did.ErrMethodNotFound, ref))
}

// ResolveDocument returns a copy of the current document for id.
func (r *Resolver) ResolveDocument(ctx context.Context, id did.Identifier) (*did.Document, error) {
	key := id.String()

	if e, ok := r.cached(ctx, key); ok {
		r.logger.Debug("resolution cache hit", "did", key)
		return documentOf(id, e)
	}

	ch := r.group.DoChan(key, func() (interface{}, error) {
		// The shared fetch outlives any single caller's cancellation.
		return r.fetch(context.WithoutCancel(ctx), id)
	})

	select {
	case <-ctx.Done():
		return nil, did.NewError("resolve", key, ctxResolveErr(ctx.Err()))
	case res := <-ch:
		if res.Err != nil {
			return nil, did.NewError("resolve", key, res.Err)
		}
		return documentOf(id, res.Val.(*Entry))
	}
}

// Invalidate evicts id from the cache. Resolutions of id already in flight
// still return their result but no longer populate the cache.
func (r *Resolver) Invalidate(ctx context.Context, id did.Identifier) {
	key := id.String()
	r.mu.Lock()
	r.gens[key]++
	r.mu.Unlock()
	r.group.Forget(key)
	if r.cache != nil {
		r.cache.Delete(ctx, key)
	}
}

func (r *Resolver) generation(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[key]
}

// store caches e unless key was invalidated after gen was read.
func (r *Resolver) store(ctx context.Context, key string, gen uint64, e *Entry) {
	if r.cache == nil || r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gens[key] != gen {
		r.logger.Debug("discarding stale resolution", "did", key)
		return
	}
	r.cache.Set(ctx, key, e, r.ttl)
}

func (r *Resolver) cached(ctx context.Context, key string) (*Entry, bool) {
	if r.cache == nil || r.ttl <= 0 {
		return nil, false
	}
	e, ok := r.cache.Get(ctx, key)
	if !ok || e.Document == nil {
		return nil, false
	}
	if !e.Fresh(r.clock.Now(), r.ttl) {
		r.cache.Delete(ctx, key)
		return nil, false
	}
	return e, true
}

func (r *Resolver) method(id did.Identifier) (Method, error) {
	if m, ok := r.methods[id.Method]; ok {
		return m, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", did.ErrMethodNotSupported, id.Method)
}

func (r *Resolver) fetch(ctx context.Context, id did.Identifier) (*Entry, error) {
	m, err := r.method(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sm := &machine{
		id:          id,
		maxAttempts: r.maxAttempts,
		b:           r.newBackOff(),
		wait:        r.wait,
		observe:     r.observe,
	}

	key := id.String()
	gen := r.generation(key)
	start := time.Now()
	rec, err := sm.run(ctx, func(ctx context.Context) (*registry.Record, error) {
		return m.Read(ctx, id)
	})
	if err != nil {
		r.logger.Debug("resolution failed", "did", id, "attempts", sm.attempt, "err", err)
		return nil, err
	}
	if rec.Document == nil {
		return nil, fmt.Errorf("%w: empty record for %s", did.ErrInvalidDocument, id)
	}
	if rec.Document.ID != id {
		return nil, fmt.Errorf("%w: resolved id %s does not match %s", did.ErrInvalidDocument, rec.Document.ID, id)
	}

	e := &Entry{Document: rec.Document, Deactivated: rec.Deactivated, CachedAt: r.clock.Now()}
	r.store(ctx, key, gen, e)
	r.logger.Debug("resolved", "did", id, "attempts", sm.attempt, "elapsed", time.Since(start))
	return e, nil
}

func (r *Resolver) observe(t Transition) {
	if t.To == StateRetrying {
		r.logger.Info("retrying resolution", "did", t.DID, "attempt", t.Attempt, "delay", t.Delay, "err", t.Err)
	}
	if r.observer != nil {
		r.observer(t)
	}
}

func documentOf(id did.Identifier, e *Entry) (*did.Document, error) {
	if e.Deactivated {
		return nil, did.NewError("resolve", id.String(), did.ErrDocumentDeactivated)
	}
	return e.Document.Clone(), nil
}

func ctxResolveErr(err error) error {
	if err == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", did.ErrResolutionTimeout, err)
	}
	return err
}
