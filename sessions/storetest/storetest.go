// Package storetest provides a conformance suite for sessions.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/credgate/attr"
	"github.com/ggoodman/credgate/sessions"
)

// StoreFactory creates a new, empty Store for testing.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, factory) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, factory) })
	t.Run("Extend", func(t *testing.T) { testExtend(t, factory) })
	t.Run("ExtendExpired", func(t *testing.T) { testExtendExpired(t, factory) })
	t.Run("ExtendLifetimeCap", func(t *testing.T) { testExtendLifetimeCap(t, factory) })
	t.Run("ExtendConcurrent", func(t *testing.T) { testExtendConcurrent(t, factory) })
	t.Run("TouchMonotonic", func(t *testing.T) { testTouchMonotonic(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Sweep", func(t *testing.T) { testSweep(t, factory) })
}

var seq atomic.Int64

// newSession returns a session valid for an hour from a base time close to
// the wall clock, so that stores relying on server-side expiry keep it.
func newSession(t *testing.T) *sessions.Session {
	t.Helper()
	now := time.Now().Truncate(time.Millisecond)
	return &sessions.Session{
		ID:            fmt.Sprintf("storetest-%d-%d", now.UnixNano(), seq.Add(1)),
		HolderID:      "did:example:holder",
		CredentialIDs: []string{"urn:uuid:cred-1"},
		Attributes: attr.Attributes{
			"isOver18": attr.Bool(true),
			"country":  attr.String("US"),
			"age":      attr.Number(34),
		},
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
		LastAccessedAt: now,
		Metadata:       map[string]any{"source": "storetest"},
	}
}

func testCreateAndLoad(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession(t)

	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := st.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.HolderID != s.HolderID {
		t.Errorf("holder: got %q, want %q", got.HolderID, s.HolderID)
	}
	if !got.Attributes.Equal(s.Attributes) {
		t.Errorf("attributes: got %v, want %v", got.Attributes, s.Attributes)
	}
	if len(got.CredentialIDs) != 1 || got.CredentialIDs[0] != "urn:uuid:cred-1" {
		t.Errorf("credential ids: got %v", got.CredentialIDs)
	}
	if !got.CreatedAt.Equal(s.CreatedAt) || !got.ExpiresAt.Equal(s.ExpiresAt) {
		t.Errorf("timestamps: got %v..%v, want %v..%v", got.CreatedAt, got.ExpiresAt, s.CreatedAt, s.ExpiresAt)
	}

	// Mutating the returned copy must not affect the store.
	got.Attributes["country"] = attr.String("FR")
	again, _ := st.Load(ctx, s.ID)
	if v, _ := again.Attributes.Lookup("country"); !v.Equal(attr.String("US")) {
		t.Errorf("stored attributes were mutated through a loaded copy: %v", v)
	}
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession(t)

	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Create(ctx, s); !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func testLoadMissing(t *testing.T, factory StoreFactory) {
	st := factory(t)
	got, err := st.Load(context.Background(), "storetest-missing")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func testExtend(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession(t)
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := st.Extend(ctx, s.ID, 30*time.Minute, sessions.ExtendOptions{Now: s.CreatedAt})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if got == nil {
		t.Fatal("expected extended session, got nil")
	}
	want := s.ExpiresAt.Add(30 * time.Minute)
	if !got.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt: got %v, want %v", got.ExpiresAt, want)
	}
	if !got.Attributes.Equal(s.Attributes) {
		t.Errorf("extension changed attributes: %v", got.Attributes)
	}

	missing, err := st.Extend(ctx, "storetest-missing", time.Minute, sessions.ExtendOptions{Now: s.CreatedAt})
	if err != nil || missing != nil {
		t.Fatalf("extend missing: got (%v, %v), want (nil, nil)", missing, err)
	}
}

func testExtendExpired(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession(t)
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A caller clock at exactly ExpiresAt sees the session as expired.
	got, err := st.Extend(ctx, s.ID, time.Minute, sessions.ExtendOptions{Now: s.ExpiresAt})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for expired session, got %+v", got)
	}
	loaded, _ := st.Load(ctx, s.ID)
	if loaded != nil && !loaded.ExpiresAt.Equal(s.ExpiresAt) {
		t.Fatalf("expired session was extended to %v", loaded.ExpiresAt)
	}
}

func testExtendLifetimeCap(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession(t)
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	opts := sessions.ExtendOptions{Now: s.CreatedAt, MaxLifetime: 2 * time.Hour}

	// Up to exactly the cap is allowed.
	if got, err := st.Extend(ctx, s.ID, time.Hour, opts); err != nil || got == nil {
		t.Fatalf("extend to cap: got (%v, %v)", got, err)
	}
	if _, err := st.Extend(ctx, s.ID, time.Millisecond, opts); !errors.Is(err, sessions.ErrLifetimeExceeded) {
		t.Fatalf("expected ErrLifetimeExceeded, got %v", err)
	}
	loaded, _ := st.Load(ctx, s.ID)
	if loaded == nil || !loaded.ExpiresAt.Equal(s.CreatedAt.Add(2*time.Hour)) {
		t.Fatalf("rejected extension modified the session: %+v", loaded)
	}
}

func testExtendConcurrent(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession(t)
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := st.Extend(ctx, s.ID, time.Second, sessions.ExtendOptions{Now: s.CreatedAt})
			if err == nil && got == nil {
				err = errors.New("extend returned nil session")
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Extend: %v", err)
	}

	loaded, err := st.Load(ctx, s.ID)
	if err != nil || loaded == nil {
		t.Fatalf("Load: (%v, %v)", loaded, err)
	}
	if want := s.ExpiresAt.Add(n * time.Second); !loaded.ExpiresAt.Equal(want) {
		t.Fatalf("lost update: expiresAt %v, want %v", loaded.ExpiresAt, want)
	}
}

func testTouchMonotonic(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession(t)
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	later := s.CreatedAt.Add(10 * time.Minute)
	if err := st.Touch(ctx, s.ID, later); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := st.Touch(ctx, s.ID, s.CreatedAt.Add(time.Minute)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	loaded, _ := st.Load(ctx, s.ID)
	if loaded == nil || !loaded.LastAccessedAt.Equal(later) {
		t.Fatalf("lastAccessedAt: got %+v, want %v", loaded, later)
	}

	if err := st.Touch(ctx, "storetest-missing", later); err != nil {
		t.Fatalf("Touch missing: %v", err)
	}
	if got, _ := st.Load(ctx, "storetest-missing"); got != nil {
		t.Fatal("Touch created a session")
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession(t)
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := st.Delete(ctx, s.ID)
	if err != nil || !ok {
		t.Fatalf("first Delete: (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = st.Delete(ctx, s.ID)
	if err != nil || ok {
		t.Fatalf("second Delete: (%v, %v), want (false, nil)", ok, err)
	}
	if got, _ := st.Load(ctx, s.ID); got != nil {
		t.Fatal("session still loadable after Delete")
	}
}

func testSweep(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	live := newSession(t)
	if err := st.Create(ctx, live); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Sweeping with a clock past the expiry removes it.
	if _, err := st.Sweep(ctx, live.CreatedAt.Add(30*time.Minute)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got, _ := st.Load(ctx, live.ID); got == nil {
		t.Fatal("Sweep removed an active session")
	}
	if _, err := st.Sweep(ctx, live.ExpiresAt); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got, _ := st.Load(ctx, live.ID); got != nil {
		t.Fatal("Sweep kept an expired session")
	}
}
