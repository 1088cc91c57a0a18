package memory

import (
	"context"
	"testing"

	"github.com/ggoodman/credgate/storage"
	"github.com/ggoodman/credgate/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		s, err := New(100)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for _, key := range []string{"a", "b"} {
		if err := s.Set(ctx, key, []byte(key), storage.WithRequests()); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
	}
	// Touch "a" so "b" becomes the eviction candidate.
	if item, _ := s.Get(ctx, "a", storage.WithRequests()); item == nil {
		t.Fatal("expected a to exist")
	}
	if err := s.Set(ctx, "c", []byte("c"), storage.WithRequests()); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if item, _ := s.Get(ctx, "b", storage.WithRequests()); item != nil {
		t.Fatal("expected b to be evicted")
	}
	if s.Len() != 2 {
		t.Fatalf("Len: got %d", s.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("value"), storage.WithSession("s1")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, _ := s.Get(ctx, "k", storage.WithSession("s1"))
	item.Data[0] = 'X'

	again, _ := s.Get(ctx, "k", storage.WithSession("s1"))
	if string(again.Data) != "value" {
		t.Fatalf("cached bytes were mutated: %s", again.Data)
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero size")
	}
}
