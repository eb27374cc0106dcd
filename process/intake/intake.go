// Package intake ingests documents dropped into a watched directory. Every
// new file is admitted through the upload gateway on behalf of a fixed owner
// and then moved to done/ or rejected/ so a crash never re-ingests twice.
package intake

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"be04/pkg/pipeline"
)

// MIME mapping to avoid sniffing twice; the gateway re-checks magic bytes.
var extMime = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".pdf":  "application/pdf",
}

type Watcher struct {
	Gateway *pipeline.Gateway
	OwnerID uint
	Dir     string
	Settle  time.Duration // wait for the writer to finish before reading

	mu       sync.Mutex
	inFlight map[string]bool
}

// Run sweeps existing files, then watches for new ones until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Settle <= 0 {
		w.Settle = 500 * time.Millisecond
	}
	w.inFlight = make(map[string]bool)
	for _, sub := range []string{"done", "rejected"} {
		if err := os.MkdirAll(filepath.Join(w.Dir, sub), 0755); err != nil {
			return err
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return err
	}

	// files already present before the watcher started
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(w.Dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("intake: watcher error: %v", err)
		}
	}
}

// schedule ingests the file once it has settled; repeated Write events for
// the same path collapse into one ingest.
func (w *Watcher) schedule(path string) {
	if _, ok := extMime[strings.ToLower(filepath.Ext(path))]; !ok {
		return
	}
	w.mu.Lock()
	if w.inFlight[path] {
		w.mu.Unlock()
		return
	}
	w.inFlight[path] = true
	w.mu.Unlock()

	time.AfterFunc(w.Settle, func() {
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, path)
			w.mu.Unlock()
		}()
		w.ingest(path)
	})
}

func (w *Watcher) ingest(path string) {
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("intake: read %s: %v", path, err)
		return
	}
	name := filepath.Base(path)
	mime := extMime[strings.ToLower(filepath.Ext(path))]

	adm, err := w.Gateway.Upload(w.OwnerID, name, mime, data)
	if err != nil {
		log.Printf("intake: %s rejected: %v", name, err)
		w.move(path, "rejected")
		return
	}
	if adm.Duplicate {
		log.Printf("intake: %s already queued as task %s", name, adm.TaskID)
	} else {
		log.Printf("intake: %s admitted as task %s (eta %ds)", name, adm.TaskID, adm.ETASeconds)
	}
	w.move(path, "done")
}

func (w *Watcher) move(path, sub string) {
	dst := filepath.Join(w.Dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		log.Printf("intake: move %s to %s: %v", path, sub, err)
	}
}
