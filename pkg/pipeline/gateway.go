package pipeline

import (
	"errors"
	"log"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"be04/models"
	"be04/pkg/quota"
	"be04/pkg/storage"
)

// DefaultMaxUpload is the stock size cap (10 MB).
const DefaultMaxUpload = 10 << 20

// defaultAllowedMIME lists the formats the pipeline admits.
var defaultAllowedMIME = []string{"image/jpeg", "image/png", "image/webp", "application/pdf"}

// Gateway validates and admits incoming documents. Validation is
// all-or-nothing: no blob, document or task is persisted (and no quota slot
// consumed) unless every check passes.
type Gateway struct {
	Store    Store
	Blobs    storage.Store
	Quota    *quota.Counter
	Stats    *Stats
	Waker    Waker // optional
	MaxBytes int64
	Workers  int // pool size, for the ETA heuristic
	Allowed  []string
}

// Admission is the successful outcome of an upload.
type Admission struct {
	TaskID     string
	DocumentID string
	ETASeconds int
	Duplicate  bool // an equivalent non-terminal task already existed
}

// Upload runs the admission checks, persists the blob, creates the document
// and its pending task and wakes the pool. Re-uploading a file that already
// has a non-terminal task returns that task instead of double-enqueueing.
func (g *Gateway) Upload(ownerID uint, fileName, declaredMIME string, data []byte) (*Admission, error) {
	maxBytes := g.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUpload
	}
	if int64(len(data)) > maxBytes {
		return nil, errf(KindPayloadTooLarge, "file %s exceeds %d byte limit", fileName, maxBytes)
	}
	if len(data) == 0 {
		return nil, errf(KindUnsupportedFormat, "empty file")
	}

	declared := strings.TrimSpace(strings.Split(declaredMIME, ";")[0])
	sniffed := mimetype.Detect(data)
	if !g.allowed(sniffed.String()) {
		return nil, errf(KindUnsupportedFormat, "content type %s not accepted", sniffed.String())
	}
	// reject MIME spoofing: the magic bytes must back up the declared type
	if declared != "" && !sniffed.Is(declared) {
		return nil, errf(KindUnsupportedFormat, "declared type %s does not match file content (%s)", declared, sniffed.String())
	}

	// quota last so invalid files never consume a slot
	if g.Quota != nil {
		if ok, retryAfter := g.Quota.Allow(ownerID); !ok {
			return nil, &Error{
				Kind:       KindQuotaExceeded,
				Message:    "upload quota exceeded, retry later",
				RetryAfter: retryAfter,
			}
		}
	}

	// dedupe on owner+filename: one non-terminal task per document
	if existing, err := g.Store.DocumentByOwnerAndName(ownerID, fileName); err == nil {
		if active, err := g.Store.ActiveTaskForDocument(existing.ID); err == nil {
			return &Admission{
				TaskID:     active.PublicID,
				DocumentID: existing.PublicID,
				ETASeconds: g.etaSeconds(),
				Duplicate:  true,
			}, nil
		}
		// document known but settled; enqueue a fresh run against it
		task := newTask(existing)
		if err := g.Store.CreateTask(task); err != nil {
			return nil, err
		}
		g.wake()
		return &Admission{TaskID: task.PublicID, DocumentID: existing.PublicID, ETASeconds: g.etaSeconds()}, nil
	}

	ref, err := g.Blobs.Save(data, strings.TrimPrefix(filepath.Ext(fileName), "."))
	if err != nil {
		return nil, err
	}
	doc := &models.Document{
		PublicID:     uuid.NewString(),
		OwnerID:      ownerID,
		FileName:     fileName,
		DeclaredMIME: declared,
		SniffedMIME:  sniffed.String(),
		ByteSize:     int64(len(data)),
		StoreRef:     ref,
	}
	task := newTask(doc)
	if err := g.Store.Admit(doc, task); err != nil {
		// roll the blob back so a failed admission leaves nothing behind
		if rmErr := g.Blobs.Remove(ref); rmErr != nil && !errors.Is(rmErr, storage.ErrNotFound) {
			log.Printf("gateway: orphaned blob %s after failed admit: %v", ref, rmErr)
		}
		return nil, err
	}
	g.wake()
	return &Admission{TaskID: task.PublicID, DocumentID: doc.PublicID, ETASeconds: g.etaSeconds()}, nil
}

func newTask(doc *models.Document) *models.Task {
	return &models.Task{
		PublicID:   uuid.NewString(),
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		State:      models.TaskPending,
	}
}

func (g *Gateway) allowed(mime string) bool {
	list := g.Allowed
	if len(list) == 0 {
		list = defaultAllowedMIME
	}
	for _, m := range list {
		if m == mime {
			return true
		}
	}
	return false
}

func (g *Gateway) etaSeconds() int {
	depth, err := g.Store.PendingCount()
	if err != nil {
		depth = 0
	}
	return int(g.Stats.QueueETA(depth, g.Workers).Seconds())
}

func (g *Gateway) wake() {
	if g.Waker != nil {
		g.Waker.Wake()
	}
}
