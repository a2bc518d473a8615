package registry

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablerwa/go-did-sdk/credential/common/crypto"
	"github.com/stablerwa/go-did-sdk/did"
)

func newDocument(t *testing.T, id string, now time.Time) *did.Document {
	t.Helper()

	doc := did.NewDocument(did.MustParse(id))
	kp, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	vm, err := did.NewVerificationMethod(doc.ID, "key-1", crypto.Ed25519, kp.Public, did.EncodingDefault)
	require.NoError(t, err)
	require.NoError(t, doc.AddVerificationMethod(*vm))
	require.NoError(t, doc.AddRelationship(did.AssertionMethod, vm.ID))
	doc.Touch(now)
	return doc
}

func uniqueDID() string {
	return "did:rwa:" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// runRegistrySuite exercises the Registry contract against any backend.
func runRegistrySuite(t *testing.T, r Registry) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		doc := newDocument(t, uniqueDID(), now)
		require.NoError(t, r.Create(ctx, doc))

		rec, err := r.Get(ctx, doc.ID)
		require.NoError(t, err)
		assert.False(t, rec.Deactivated)
		assert.Equal(t, doc.ID, rec.Document.ID)
		assert.True(t, doc.Updated.Equal(rec.Document.Updated))
		assert.Len(t, rec.Document.AssertionMethod, 1)
	})

	t.Run("second create conflicts", func(t *testing.T) {
		doc := newDocument(t, uniqueDID(), now)
		require.NoError(t, r.Create(ctx, doc))

		err := r.Create(ctx, doc)
		assert.ErrorIs(t, err, did.ErrRegistryConflict)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := r.Get(ctx, did.MustParse(uniqueDID()))
		assert.ErrorIs(t, err, did.ErrDocumentNotFound)
		assert.NotErrorIs(t, err, did.ErrDocumentDeactivated)
	})

	t.Run("update with current version", func(t *testing.T) {
		doc := newDocument(t, uniqueDID(), now)
		require.NoError(t, r.Create(ctx, doc))

		rec, err := r.Get(ctx, doc.ID)
		require.NoError(t, err)

		next := rec.Document.Clone()
		require.NoError(t, next.AddService(did.Service{ID: "#hub", Type: "LinkedDomains", ServiceEndpoint: did.URIEndpoint("https://hub.example")}))
		next.Touch(now.Add(time.Second))
		require.NoError(t, r.Update(ctx, next, rec.Document.Updated))

		got, err := r.Get(ctx, doc.ID)
		require.NoError(t, err)
		assert.Len(t, got.Document.Service, 1)
		assert.True(t, next.Updated.Equal(got.Document.Updated))
	})

	t.Run("stale update conflicts", func(t *testing.T) {
		doc := newDocument(t, uniqueDID(), now)
		require.NoError(t, r.Create(ctx, doc))
		base := doc.Updated

		first := doc.Clone()
		first.Touch(now.Add(time.Second))
		require.NoError(t, r.Update(ctx, first, base))

		second := doc.Clone()
		second.Touch(now.Add(2 * time.Second))
		err := r.Update(ctx, second, base)
		assert.ErrorIs(t, err, did.ErrVersionConflict)
	})

	t.Run("update must advance", func(t *testing.T) {
		doc := newDocument(t, uniqueDID(), now)
		require.NoError(t, r.Create(ctx, doc))

		err := r.Update(ctx, doc, doc.Updated)
		assert.ErrorIs(t, err, did.ErrInvalidDocument)
	})

	t.Run("deactivate tombstones", func(t *testing.T) {
		doc := newDocument(t, uniqueDID(), now)
		require.NoError(t, r.Create(ctx, doc))
		require.NoError(t, r.Deactivate(ctx, doc.ID))

		rec, err := r.Get(ctx, doc.ID)
		require.NoError(t, err)
		assert.True(t, rec.Deactivated)
		assert.False(t, rec.DeactivatedAt.IsZero())

		assert.ErrorIs(t, r.Deactivate(ctx, doc.ID), did.ErrDocumentDeactivated)

		next := doc.Clone()
		next.Touch(now.Add(time.Second))
		assert.ErrorIs(t, r.Update(ctx, next, doc.Updated), did.ErrDocumentDeactivated)

		assert.ErrorIs(t, r.Create(ctx, doc), did.ErrRegistryConflict)
	})

	t.Run("deactivate missing", func(t *testing.T) {
		assert.ErrorIs(t, r.Deactivate(ctx, did.MustParse(uniqueDID())), did.ErrDocumentNotFound)
	})
}

func TestMemory(t *testing.T) {
	runRegistrySuite(t, NewMemory())
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	doc := newDocument(t, "did:rwa:abc123", time.Now())
	require.NoError(t, r.Create(ctx, doc))

	rec, err := r.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, rec.Document.RemoveRelationship(did.AssertionMethod, "#key-1"))

	again, err := r.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, again.Document.AssertionMethod, 1)
}

func TestMemory_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := newDocument(t, "did:rwa:race", base)
	require.NoError(t, r.Create(ctx, doc))

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := doc.Clone()
			next.Touch(base.Add(time.Duration(i+1) * time.Second))
			err := r.Update(ctx, next, doc.Updated)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, did.ErrVersionConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "exactly one writer wins")
	assert.Equal(t, writers-1, conflicts)
}

func TestMemory_LockHonorsDeadline(t *testing.T) {
	r := NewMemory()
	id := did.MustParse("did:rwa:locked")

	unlock, err := r.lock(context.Background(), id)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = r.Deactivate(ctx, id)
	assert.ErrorIs(t, err, did.ErrRegistryTimeout)
}

func TestCounting(t *testing.T) {
	ctx := context.Background()
	r := NewCounting(NewMemory())
	doc := newDocument(t, "did:rwa:counted", time.Now())

	require.NoError(t, r.Create(ctx, doc))
	_, _ = r.Get(ctx, doc.ID)
	_, _ = r.Get(ctx, doc.ID)
	require.NoError(t, r.Deactivate(ctx, doc.ID))

	assert.Equal(t, Calls{Create: 1, Get: 2, Deactivate: 1}, r.Calls())
	assert.NoError(t, r.Close())
}

func TestGorm_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("DID_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("DID_TEST_POSTGRES_DSN not set")
	}

	r, err := OpenPostgres(dsn)
	require.NoError(t, err)
	defer r.Close()

	runRegistrySuite(t, r)
}

func TestGorm_NoDB(t *testing.T) {
	r := NewGorm(nil)
	_, err := r.Get(context.Background(), did.MustParse("did:rwa:abc123"))
	assert.ErrorIs(t, err, errDBUnavailable)
	assert.NoError(t, r.Close())
}
