package kv

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemStoreGetMissing(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStoreSetGetDelete(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("Get = %q, %v; want v", got, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("repeated Delete: %v", err)
	}
}

func TestMemStoreSetNXClaims(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	set, err := s.SetNX(ctx, "claim", []byte("a"), 0)
	if err != nil || !set {
		t.Fatalf("first SetNX = %v, %v; want claimed", set, err)
	}
	set, err = s.SetNX(ctx, "claim", []byte("b"), 0)
	if err != nil || set {
		t.Fatalf("second SetNX = %v, %v; want rejected", set, err)
	}
	// The claim keeps the first writer's value.
	got, _ := s.Get(ctx, "claim")
	if !bytes.Equal(got, []byte("a")) {
		t.Fatalf("claim value = %q, want first writer's", got)
	}
}

func TestMemStoreTTLExpiry(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Set(ctx, "ephemeral", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := s.Get(ctx, "ephemeral"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired key still readable: %v", err)
	}
	// An expired claim is available again.
	if set, _ := s.SetNX(ctx, "ephemeral", []byte("w"), 0); !set {
		t.Fatal("SetNX after expiry did not claim")
	}
}
