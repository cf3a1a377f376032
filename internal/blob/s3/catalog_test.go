package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// memBlob is an in-memory BlobReader and BlobWriter.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func skeleton(assets ...domain.Asset) domain.RouteSkeleton {
	venues := make([]domain.VenueKind, len(assets))
	for i := range venues {
		venues[i] = domain.VenueJupiter
	}
	return domain.RouteSkeleton{Assets: assets, Venues: venues}
}

func TestRouteCatalog_SaveLoad(t *testing.T) {
	blob := newMemBlob()
	c := NewRouteCatalog(blob, blob, "")
	c.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	want := []domain.RouteSkeleton{skeleton("A", "B"), skeleton("A", "B", "C")}
	require.NoError(t, c.Save(context.Background(), want))

	ok, _ := blob.Exists(context.Background(), "catalog/routes.json")
	assert.True(t, ok)
	hist, _ := blob.List(context.Background(), "catalog/history/")
	assert.Len(t, hist, 1)

	got, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRouteCatalog_FallsBackToNewestHistory(t *testing.T) {
	blob := newMemBlob()
	c := NewRouteCatalog(blob, blob, "snap")
	ts := int64(1_000)
	c.now = func() time.Time { ts += 1000; return time.UnixMilli(ts) }

	require.NoError(t, c.Save(context.Background(), []domain.RouteSkeleton{skeleton("A", "B")}))
	require.NoError(t, c.Save(context.Background(), []domain.RouteSkeleton{skeleton("X", "Y")}))
	delete(blob.objects, "snap/routes.json")

	got, err := c.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []domain.Asset{"X", "Y"}, got[0].Assets)
}

func TestRouteCatalog_EmptyIsNotAnError(t *testing.T) {
	blob := newMemBlob()
	got, err := NewRouteCatalog(blob, blob, "").Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRouteCatalog_RejectsNewerVersion(t *testing.T) {
	blob := newMemBlob()
	data, _ := json.Marshal(catalogSnapshot{Version: catalogVersion + 1})
	blob.objects["catalog/routes.json"] = data

	_, err := NewRouteCatalog(blob, blob, "").Load(context.Background())
	require.Error(t, err)
}

type fakeExecutions struct {
	recs []domain.ExecutionRecord
}

func (f *fakeExecutions) ListRecent(context.Context, int) ([]domain.ExecutionRecord, error) {
	return f.recs, nil
}

func TestExecutionArchiver_Watermark(t *testing.T) {
	blob := newMemBlob()
	t0 := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	src := &fakeExecutions{recs: []domain.ExecutionRecord{
		{ID: "2", StartedAt: t0.Add(time.Second)},
		{ID: "1", StartedAt: t0},
	}}
	a := NewExecutionArchiver(blob, src, 0)

	n, path, err := a.Archive(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, strings.HasPrefix(path, "archive/executions/2025-01-31/"))

	lines := strings.Split(strings.TrimSpace(string(blob.objects[path])), "\n")
	require.Len(t, lines, 2)
	var first domain.ExecutionRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "1", first.ID, "oldest first")

	n, _, err = a.Archive(context.Background(), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	src.recs = append([]domain.ExecutionRecord{{ID: "3", StartedAt: t0.Add(time.Hour)}}, src.recs...)
	n, _, err = a.Archive(context.Background(), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
