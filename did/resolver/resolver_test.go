package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluele/gcache"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/did"
	"github.com/stablerwa/go-did-sdk/did/config"
	"github.com/stablerwa/go-did-sdk/did/registry"
)

var errUnavailable = errors.New("registry unavailable")

type funcMethod struct {
	calls atomic.Int32
	read  func(ctx context.Context, n int32, id did.Identifier) (*registry.Record, error)
}

func (f *funcMethod) Read(ctx context.Context, id did.Identifier) (*registry.Record, error) {
	return f.read(ctx, f.calls.Add(1), id)
}

func newDocument(t *testing.T, id string) *did.Document {
	t.Helper()

	doc := did.NewDocument(did.MustParse(id))
	kp, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	vm, err := did.NewVerificationMethod(doc.ID, "key-1", crypto.Ed25519, kp.Public, did.EncodingDefault)
	require.NoError(t, err)
	require.NoError(t, doc.AddVerificationMethod(*vm))
	require.NoError(t, doc.AddRelationship(did.AssertionMethod, vm.ID))
	require.NoError(t, doc.AddService(did.Service{ID: "#hub", Type: "LinkedDomains", ServiceEndpoint: did.URIEndpoint("https://hub.example")}))
	doc.Touch(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return doc
}

func noDelay() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestResolver_CacheTTL(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewCounting(registry.NewMemory())
	doc := newDocument(t, "did:rwa:abc123")
	require.NoError(t, reg.Create(ctx, doc))

	clk := gcache.NewFakeClock()
	r := New(
		WithMethod(did.MethodRWA, NewLocalMethod(reg)),
		WithCache(NewMemoryCache(16, clk), 60*time.Second),
		WithClock(clk),
	)

	_, err := r.ResolveDocument(ctx, doc.ID)
	require.NoError(t, err)
	_, err = r.ResolveDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reg.Calls().Get)

	clk.Advance(30 * time.Second)
	_, err = r.ResolveDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reg.Calls().Get)

	clk.Advance(31 * time.Second)
	_, err = r.ResolveDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reg.Calls().Get)
}

func TestResolver_Invalidate(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewCounting(registry.NewMemory())
	doc := newDocument(t, "did:rwa:abc123")
	require.NoError(t, reg.Create(ctx, doc))

	r := New(
		WithMethod(did.MethodRWA, NewLocalMethod(reg)),
		WithCache(NewMemoryCache(16, nil), time.Minute),
	)

	_, err := r.ResolveDocument(ctx, doc.ID)
	require.NoError(t, err)
	r.Invalidate(ctx, doc.ID)
	_, err = r.ResolveDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reg.Calls().Get)
}

func TestResolver_InvalidateDuringFetch(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t, "did:rwa:abc123")

	var deactivated atomic.Bool
	reading := make(chan struct{})
	release := make(chan struct{})
	m := &funcMethod{read: func(_ context.Context, n int32, _ did.Identifier) (*registry.Record, error) {
		rec := &registry.Record{Document: doc.Clone(), Deactivated: deactivated.Load()}
		if n == 1 {
			close(reading)
			<-release
		}
		return rec, nil
	}}
	r := New(
		WithMethod(did.MethodRWA, m),
		WithCache(NewMemoryCache(16, nil), time.Minute),
	)

	done := make(chan error, 1)
	go func() {
		_, err := r.ResolveDocument(ctx, doc.ID)
		done <- err
	}()

	<-reading
	deactivated.Store(true)
	r.Invalidate(ctx, doc.ID)
	close(release)
	require.NoError(t, <-done)

	_, err := r.ResolveDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, did.ErrDocumentDeactivated)
	assert.Equal(t, int32(2), m.calls.Load())
}

func TestResolver_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	doc := newDocument(t, "did:rwa:abc123")
	require.NoError(t, reg.Create(ctx, doc))

	r := New(
		WithMethod(did.MethodRWA, NewLocalMethod(reg)),
		WithCache(NewMemoryCache(16, nil), time.Minute),
	)

	first, err := r.ResolveDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, first.RemoveService("#hub"))

	second, err := r.ResolveDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, second.Service, 1)
}

func TestResolver_RetriesTransientErrors(t *testing.T) {
	doc := newDocument(t, "did:rwa:abc123")
	m := &funcMethod{read: func(_ context.Context, n int32, _ did.Identifier) (*registry.Record, error) {
		if n < 3 {
			return nil, errUnavailable
		}
		return &registry.Record{Document: doc.Clone()}, nil
	}}

	var transitions []Transition
	r := New(
		WithMethod(did.MethodRWA, m),
		WithMaxAttempts(3),
		WithBackOff(noDelay),
		WithObserver(func(tr Transition) { transitions = append(transitions, tr) }),
	)

	got, err := r.ResolveDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, int32(3), m.calls.Load())

	var path []State
	for _, tr := range transitions {
		path = append(path, tr.To)
	}
	assert.Equal(t, []State{
		StateRequesting, StateRetrying, StateRequesting, StateRetrying, StateRequesting, StateSucceeded,
	}, path)
	assert.Equal(t, StateIdle, transitions[0].From)
}

func TestResolver_AttemptsExhausted(t *testing.T) {
	m := &funcMethod{read: func(context.Context, int32, did.Identifier) (*registry.Record, error) {
		return nil, errUnavailable
	}}
	r := New(WithMethod(did.MethodRWA, m), WithMaxAttempts(3), WithBackOff(noDelay))

	_, err := r.ResolveDocument(context.Background(), did.MustParse("did:rwa:abc123"))
	require.ErrorIs(t, err, did.ErrResolutionTimeout)
	assert.ErrorContains(t, err, errUnavailable.Error())
	assert.Equal(t, int32(3), m.calls.Load())

	var derr *did.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "resolve", derr.Op)
	assert.Equal(t, "did:rwa:abc123", derr.DID)
}

func TestResolver_ElapsedTimeout(t *testing.T) {
	m := &funcMethod{read: func(ctx context.Context, _ int32, _ did.Identifier) (*registry.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := New(WithMethod(did.MethodRWA, m), WithMaxAttempts(5), WithTimeout(50*time.Millisecond))

	_, err := r.ResolveDocument(context.Background(), did.MustParse("did:rwa:abc123"))
	require.ErrorIs(t, err, did.ErrResolutionTimeout)
	assert.Equal(t, int32(1), m.calls.Load())
}

func TestResolver_PermanentErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		reg := registry.NewCounting(registry.NewMemory())
		r := New(WithMethod(did.MethodRWA, NewLocalMethod(reg)), WithMaxAttempts(5), WithBackOff(noDelay))

		_, err := r.ResolveDocument(ctx, did.MustParse("did:rwa:missing"))
		require.ErrorIs(t, err, did.ErrDocumentNotFound)
		assert.NotErrorIs(t, err, did.ErrResolutionTimeout)
		assert.Equal(t, int64(1), reg.Calls().Get)
	})

	t.Run("wrapped permanent", func(t *testing.T) {
		m := &funcMethod{read: func(context.Context, int32, did.Identifier) (*registry.Record, error) {
			return nil, backoff.Permanent(errUnavailable)
		}}
		r := New(WithMethod(did.MethodRWA, m), WithMaxAttempts(5), WithBackOff(noDelay))

		_, err := r.ResolveDocument(ctx, did.MustParse("did:rwa:abc123"))
		require.ErrorIs(t, err, errUnavailable)
		assert.Equal(t, int32(1), m.calls.Load())
	})
}

func TestResolver_Deactivated(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	doc := newDocument(t, "did:rwa:abc123")
	require.NoError(t, reg.Create(ctx, doc))
	require.NoError(t, reg.Deactivate(ctx, doc.ID))

	r := New(WithMethod(did.MethodRWA, NewLocalMethod(reg)), WithCache(NewMemoryCache(16, nil), time.Minute))

	for range 2 {
		_, err := r.ResolveDocument(ctx, doc.ID)
		assert.ErrorIs(t, err, did.ErrDocumentDeactivated)
		assert.ErrorIs(t, err, did.ErrDocumentNotFound)
	}
}

func TestResolver_UnsupportedMethod(t *testing.T) {
	r := New(WithMethod(did.MethodRWA, NewLocalMethod(registry.NewMemory())))

	_, err := r.Resolve(context.Background(), "did:example:123")
	assert.ErrorIs(t, err, did.ErrMethodNotSupported)

	_, err = r.Resolve(context.Background(), "not-a-did")
	assert.ErrorIs(t, err, did.ErrInvalidDIDSyntax)
}

func TestResolver_ResolveFragment(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	doc := newDocument(t, "did:rwa:abc123")
	require.NoError(t, reg.Create(ctx, doc))
	r := New(WithMethod(did.MethodRWA, NewLocalMethod(reg)))

	res, err := r.Resolve(ctx, "did:rwa:abc123")
	require.NoError(t, err)
	assert.Nil(t, res.Method)
	assert.Nil(t, res.Service)
	assert.Equal(t, doc.ID, res.Document.ID)

	res, err = r.Resolve(ctx, "did:rwa:abc123#key-1")
	require.NoError(t, err)
	require.NotNil(t, res.Method)
	assert.Equal(t, "did:rwa:abc123#key-1", res.Method.ID)

	res, err = r.Resolve(ctx, "did:rwa:abc123#hub")
	require.NoError(t, err)
	require.NotNil(t, res.Service)
	assert.Equal(t, "LinkedDomains", res.Service.Type)

	_, err = r.Resolve(ctx, "did:rwa:abc123#nope")
	assert.ErrorIs(t, err, did.ErrMethodNotFound)
}

func TestResolver_CollapsesConcurrentMisses(t *testing.T) {
	doc := newDocument(t, "did:rwa:abc123")
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	m := &funcMethod{read: func(context.Context, int32, did.Identifier) (*registry.Record, error) {
		once.Do(func() { close(entered) })
		<-release
		return &registry.Record{Document: doc.Clone()}, nil
	}}
	r := New(WithMethod(did.MethodRWA, m), WithCache(NewMemoryCache(16, nil), time.Minute))

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ResolveDocument(context.Background(), doc.ID)
			errs <- err
		}()
	}

	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), m.calls.Load())
}

func TestResolver_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := &funcMethod{read: func(context.Context, int32, did.Identifier) (*registry.Record, error) {
		<-release
		return nil, errUnavailable
	}}
	r := New(WithMethod(did.MethodRWA, m))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.ResolveDocument(ctx, did.MustParse("did:rwa:abc123"))
	assert.ErrorIs(t, err, did.ErrResolutionTimeout)
}

func universalResolver(t *testing.T, handler func(w http.ResponseWriter, id string)) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		assert.Contains(t, req.Header.Get("Accept"), didLDJson)
		handler(w, strings.TrimPrefix(req.URL.Path, "/1.0/identifiers/"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func writeResolution(t *testing.T, w http.ResponseWriter, status int, doc *did.Document, deactivated bool) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"didDocument":         doc,
		"didDocumentMetadata": map[string]any{"deactivated": deactivated},
	})
	require.NoError(t, err)
	w.Header().Set("Content-Type", didLDJson)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func TestHTTPMethod(t *testing.T) {
	ctx := context.Background()
	doc := newDocument(t, "did:web:example.com")

	t.Run("resolution result", func(t *testing.T) {
		srv, hits := universalResolver(t, func(w http.ResponseWriter, id string) {
			assert.Equal(t, "did:web:example.com", id)
			writeResolution(t, w, http.StatusOK, doc, false)
		})
		h, err := NewHTTPMethod(srv.URL+"/1.0/identifiers", WithHTTPClient(srv.Client()))
		require.NoError(t, err)
		r := New(WithFallback(h))

		got, err := r.ResolveDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, doc.ID, got.ID)
		assert.Len(t, got.VerificationMethod, 1)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("plain document", func(t *testing.T) {
		srv, _ := universalResolver(t, func(w http.ResponseWriter, _ string) {
			data, err := json.Marshal(doc)
			require.NoError(t, err)
			_, _ = w.Write(data)
		})
		h, err := NewHTTPMethod(srv.URL+"/1.0/identifiers", WithHTTPClient(srv.Client()))
		require.NoError(t, err)

		rec, err := h.Read(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, doc.ID, rec.Document.ID)
	})

	t.Run("not found is permanent", func(t *testing.T) {
		srv, hits := universalResolver(t, func(w http.ResponseWriter, _ string) {
			w.WriteHeader(http.StatusNotFound)
		})
		h, err := NewHTTPMethod(srv.URL+"/1.0/identifiers", WithHTTPClient(srv.Client()))
		require.NoError(t, err)
		r := New(WithFallback(h), WithMaxAttempts(3), WithBackOff(noDelay))

		_, err = r.ResolveDocument(ctx, doc.ID)
		assert.ErrorIs(t, err, did.ErrDocumentNotFound)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("gone is deactivated", func(t *testing.T) {
		srv, _ := universalResolver(t, func(w http.ResponseWriter, _ string) {
			writeResolution(t, w, http.StatusGone, doc, true)
		})
		h, err := NewHTTPMethod(srv.URL+"/1.0/identifiers", WithHTTPClient(srv.Client()))
		require.NoError(t, err)
		r := New(WithFallback(h))

		_, err = r.ResolveDocument(ctx, doc.ID)
		assert.ErrorIs(t, err, did.ErrDocumentDeactivated)
	})

	t.Run("server errors are retried", func(t *testing.T) {
		var failed atomic.Bool
		srv, hits := universalResolver(t, func(w http.ResponseWriter, _ string) {
			if failed.CompareAndSwap(false, true) {
				http.Error(w, "try later", http.StatusServiceUnavailable)
				return
			}
			writeResolution(t, w, http.StatusOK, doc, false)
		})
		h, err := NewHTTPMethod(srv.URL+"/1.0/identifiers", WithHTTPClient(srv.Client()))
		require.NoError(t, err)
		r := New(WithFallback(h), WithMaxAttempts(3), WithBackOff(noDelay))

		_, err = r.ResolveDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("mismatched id", func(t *testing.T) {
		other := newDocument(t, "did:web:other.example")
		srv, _ := universalResolver(t, func(w http.ResponseWriter, _ string) {
			writeResolution(t, w, http.StatusOK, other, false)
		})
		h, err := NewHTTPMethod(srv.URL+"/1.0/identifiers", WithHTTPClient(srv.Client()))
		require.NoError(t, err)
		r := New(WithFallback(h))

		_, err = r.ResolveDocument(ctx, doc.ID)
		assert.ErrorIs(t, err, did.ErrInvalidDocument)
	})

	t.Run("bad endpoint", func(t *testing.T) {
		_, err := NewHTTPMethod("not a url")
		assert.Error(t, err)
	})
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewCounting(registry.NewMemory())
	doc := newDocument(t, "did:rwa:abc123")
	require.NoError(t, reg.Create(ctx, doc))

	cfg := config.New(config.WithCache(true, time.Minute), config.WithMaxResolutionAttempts(2))
	r, err := NewFromConfig(cfg, reg)
	require.NoError(t, err)
	assert.Equal(t, 2, r.maxAttempts)
	assert.Nil(t, r.fallback)

	for range 3 {
		_, err = r.ResolveDocument(ctx, doc.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), reg.Calls().Get)

	_, err = NewFromConfig(config.New(config.WithRegistryURL("::bad")), reg)
	assert.Error(t, err)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("DID_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DID_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCache(client, "did:test:"+time.Now().Format("150405.000000")+":")
	doc := newDocument(t, "did:rwa:abc123")
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, ok := c.Get(ctx, doc.ID.String())
	assert.False(t, ok)

	c.Set(ctx, doc.ID.String(), &Entry{Document: doc, CachedAt: now}, time.Minute)
	got, ok := c.Get(ctx, doc.ID.String())
	require.True(t, ok)
	assert.Equal(t, doc.ID, got.Document.ID)
	assert.True(t, got.CachedAt.Equal(now))

	c.Delete(ctx, doc.ID.String())
	_, ok = c.Get(ctx, doc.ID.String())
	assert.False(t, ok)
}
