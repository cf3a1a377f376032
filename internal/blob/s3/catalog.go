package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// catalogVersion is bumped when the snapshot layout changes.
const catalogVersion = 1

type catalogSnapshot struct {
	Version   int                    `json:"version"`
	SavedAt   time.Time              `json:"saved_at"`
	Skeletons []domain.RouteSkeleton `json:"skeletons"`
}

// RouteCatalog keeps the cold-start route skeletons in object storage: the
// current snapshot at <prefix>/routes.json and every saved version under
// <prefix>/history/.
type RouteCatalog struct {
	reader domain.BlobReader
	writer domain.BlobWriter
	prefix string
	now    func() time.Time
}

// Compile-time interface check.
var _ domain.RouteCatalog = (*RouteCatalog)(nil)

// NewRouteCatalog creates a catalog under prefix ("catalog" when empty).
func NewRouteCatalog(reader domain.BlobReader, writer domain.BlobWriter, prefix string) *RouteCatalog {
	if prefix == "" {
		prefix = "catalog"
	}
	return &RouteCatalog{reader: reader, writer: writer, prefix: prefix, now: time.Now}
}

func (c *RouteCatalog) currentPath() string { return path.Join(c.prefix, "routes.json") }

func (c *RouteCatalog) historyPrefix() string { return path.Join(c.prefix, "history") + "/" }

// Load returns the current snapshot, falling back to the newest history
// entry when the current object is missing. No snapshot at all is an empty
// catalog, not an error.
func (c *RouteCatalog) Load(ctx context.Context) ([]domain.RouteSkeleton, error) {
	snap, err := c.read(ctx, c.currentPath())
	if err == nil {
		return snap.Skeletons, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	infos, err := c.reader.List(ctx, c.historyPrefix())
	if err != nil {
		return nil, fmt.Errorf("s3blob: list catalog history: %w", err)
	}
	if len(infos) == 0 {
		return nil, nil
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path > infos[j].Path })
	snap, err = c.read(ctx, infos[0].Path)
	if err != nil {
		return nil, err
	}
	return snap.Skeletons, nil
}

// Save writes skeletons as the current snapshot and a history entry.
func (c *RouteCatalog) Save(ctx context.Context, skeletons []domain.RouteSkeleton) error {
	now := c.now().UTC()
	data, err := json.Marshal(catalogSnapshot{Version: catalogVersion, SavedAt: now, Skeletons: skeletons})
	if err != nil {
		return fmt.Errorf("s3blob: encode catalog: %w", err)
	}
	hist := path.Join(c.prefix, "history", fmt.Sprintf("routes-%020d.json", now.UnixMilli()))
	if err := c.writer.Put(ctx, hist, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: save catalog history: %w", err)
	}
	if err := c.writer.Put(ctx, c.currentPath(), bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: save catalog: %w", err)
	}
	return nil
}

func (c *RouteCatalog) read(ctx context.Context, p string) (catalogSnapshot, error) {
	body, err := c.reader.Get(ctx, p)
	if err != nil {
		return catalogSnapshot{}, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return catalogSnapshot{}, fmt.Errorf("s3blob: read catalog %s: %w", p, err)
	}
	var snap catalogSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return catalogSnapshot{}, fmt.Errorf("s3blob: decode catalog %s: %w", p, err)
	}
	if snap.Version > catalogVersion {
		return catalogSnapshot{}, fmt.Errorf("s3blob: catalog %s has version %d, newest supported is %d", p, snap.Version, catalogVersion)
	}
	return snap, nil
}
