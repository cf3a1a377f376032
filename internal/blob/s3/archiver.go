package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// ExecutionSource is the part of domain.ExecutionStore the archiver reads.
type ExecutionSource interface {
	ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error)
}

// ExecutionArchiver copies finished executions to object storage as JSONL,
// one file per run, partitioned by day.
type ExecutionArchiver struct {
	writer domain.BlobWriter
	source ExecutionSource
	batch  int

	mu        sync.Mutex
	watermark time.Time
}

// NewExecutionArchiver creates an archiver reading up to batch records per
// run.
func NewExecutionArchiver(writer domain.BlobWriter, source ExecutionSource, batch int) *ExecutionArchiver {
	if batch <= 0 {
		batch = 500
	}
	return &ExecutionArchiver{writer: writer, source: source, batch: batch}
}

// Archive uploads every execution newer than the last run. It returns the
// number of records written and the object path ("" when nothing was new).
func (a *ExecutionArchiver) Archive(ctx context.Context, now time.Time) (int, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	recs, err := a.source.ListRecent(ctx, a.batch)
	if err != nil {
		return 0, "", fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	fresh := make([]domain.ExecutionRecord, 0, len(recs))
	newest := a.watermark
	// ListRecent is newest first; archive oldest first.
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if !r.StartedAt.After(a.watermark) {
			continue
		}
		fresh = append(fresh, r)
		if r.StartedAt.After(newest) {
			newest = r.StartedAt
		}
	}
	if len(fresh) == 0 {
		return 0, "", nil
	}

	buf, err := marshalJSONL(fresh)
	if err != nil {
		return 0, "", fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}
	path := archivePath("executions", now)
	if err := a.put(ctx, path, buf); err != nil {
		return 0, "", fmt.Errorf("s3blob: archive executions upload: %w", err)
	}
	a.watermark = newest
	return len(fresh), path, nil
}

func (a *ExecutionArchiver) put(ctx context.Context, path string, buf []byte) error {
	if w, ok := a.writer.(*Writer); ok && int64(len(buf)) > minPartSize {
		return w.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// archivePath partitions by UTC day:
//
//	archive/executions/2025-01-31/1738281600000.jsonl
func archivePath(kind string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("archive/%s/%s/%d.jsonl", kind, at.Format("2006-01-02"), at.UnixMilli())
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
