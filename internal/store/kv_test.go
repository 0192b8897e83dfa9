package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestBoltKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	kv, err := NewBoltKV(path)
	if err != nil {
		t.Fatalf("NewBoltKV: %v", err)
	}

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := kv.Set(ctx, "last_url", "http://127.0.0.1:4096"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewBoltKV(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	value, ok, err := reopened.Get(ctx, "last_url")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if value != "http://127.0.0.1:4096" {
		t.Fatalf("unexpected value %q", value)
	}
}

func TestKVRejectsEmptyKey(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	if err := kv.Set(ctx, "  ", "x"); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
	if _, _, err := kv.Get(ctx, ""); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	prefs := NewPreferences(nil)
	if prefs.LastURL(ctx) != "" || prefs.LastModel(ctx) != "" {
		t.Fatalf("expected empty preferences")
	}
	if err := prefs.SetLastURL(ctx, "https://agent.example.com"); err != nil {
		t.Fatalf("SetLastURL: %v", err)
	}
	if err := prefs.SetLastModel(ctx, "anthropic/claude-sonnet-4"); err != nil {
		t.Fatalf("SetLastModel: %v", err)
	}
	if prefs.LastURL(ctx) != "https://agent.example.com" {
		t.Fatalf("unexpected url %q", prefs.LastURL(ctx))
	}
	if prefs.LastModel(ctx) != "anthropic/claude-sonnet-4" {
		t.Fatalf("unexpected model %q", prefs.LastModel(ctx))
	}
}
