package intake

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"be04/pkg/pipeline"
	"be04/pkg/storage"
)

func TestWatcherIngestsDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	blobs, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := pipeline.NewMemStore()
	gw := &pipeline.Gateway{Store: store, Blobs: blobs, Stats: pipeline.NewStats()}

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	// one ingestible file, one rejected, one ignored extension
	if err := os.WriteFile(filepath.Join(dir, "good.png"), buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.png"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "skip.tmp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &Watcher{Gateway: gw, OwnerID: 1, Dir: dir, Settle: 10 * time.Millisecond}
	go func() { _ = w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if n, _ := store.PendingCount(); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			n, _ := store.PendingCount()
			t.Fatalf("pending = %d, want 1", n)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// wait for both files to be filed away
	for {
		if _, err := os.Stat(filepath.Join(dir, "done", "good.png")); err == nil {
			if _, err := os.Stat(filepath.Join(dir, "rejected", "bad.png")); err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("files not moved to done/rejected")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := os.Stat(filepath.Join(dir, "skip.tmp")); err != nil {
		t.Errorf("unrelated file touched: %v", err)
	}
}
