package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherFiresOnFileChange(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "app.go"), []byte("package main"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestWatcherIgnoresMatchedPattern(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, WithDebounce(20*time.Millisecond), WithIgnore([]string{"*.log"}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "app.log"), []byte("noise"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-w.Events():
		t.Fatal("expected ignored file to not trigger an event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherCoalescesBurst(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		os.WriteFile(filepath.Join(dir, "app.go"), []byte{byte(i)}, 0o644)
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced event")
	}

	select {
	case <-w.Events():
		t.Fatal("expected burst to coalesce into a single event")
	case <-time.After(150 * time.Millisecond):
	}
}
