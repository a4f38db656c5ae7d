// Package namespace presents a flat key space as a tree of virtual folders.
//
// A folder exists while at least one key starts with its prefix. Creating an
// empty folder writes a zero-byte ".keep" placeholder; removing the last key
// under a prefix makes the folder disappear, which is correct.
package namespace

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const (
	// Delimiter separates virtual path segments.
	Delimiter = "/"

	// PlaceholderName is the object written to make an empty folder visible.
	PlaceholderName = ".keep"

	// SystemPrefix is a reserved administrative tree at the container root.
	SystemPrefix = ".system/"
)

// Adapter derives folder views from an ObjectStore.
type Adapter struct {
	store    services.ObjectStore
	pageSize int
}

// New creates an adapter over store.
func New(store services.ObjectStore) *Adapter {
	return &Adapter{store: store, pageSize: services.DefaultPageSize}
}

// Store returns the underlying object store.
func (a *Adapter) Store() services.ObjectStore { return a.store }

// NormalizePrefix strips leading slashes and guarantees a trailing slash on
// non-root prefixes. Interior segments are left alone: keys are opaque and an
// empty segment ("a//b") is a real, distinct path.
func NormalizePrefix(p string) string {
	p = strings.TrimLeft(p, Delimiter)
	if p != "" && !strings.HasSuffix(p, Delimiter) {
		p += Delimiter
	}
	return p
}

// NormalizeKey strips leading slashes.
func NormalizeKey(k string) string {
	return strings.TrimLeft(k, Delimiter)
}

// Parent returns the folder holding p. p may be a key or a folder prefix.
func Parent(p string) string {
	p = strings.TrimSuffix(p, Delimiter)
	idx := strings.LastIndex(p, Delimiter)
	if idx < 0 {
		return ""
	}
	return p[:idx+1]
}

// BaseName returns the last segment of a key or folder prefix. The segment
// may be empty for prefixes such as "a//".
func BaseName(p string) string {
	p = strings.TrimSuffix(p, Delimiter)
	return p[strings.LastIndex(p, Delimiter)+1:]
}

// IsPlaceholder reports whether rec only exists to keep a folder visible.
func IsPlaceholder(rec services.ObjectRecord) bool {
	if path.Base(rec.Key) == PlaceholderName {
		return true
	}
	return rec.Size == 0 && strings.HasSuffix(rec.Key, Delimiter)
}

// IsSystem reports whether key lives in the reserved administrative tree.
func IsSystem(key string) bool {
	return strings.HasPrefix(key, SystemPrefix)
}

func toFileItem(rec services.ObjectRecord, prefix string) models.FileItem {
	return models.FileItem{
		Key:          rec.Key,
		DisplayName:  strings.TrimPrefix(rec.Key, prefix),
		Size:         rec.Size,
		LastModified: rec.LastModified,
		CreatedOn:    rec.CreatedOn,
		ContentType:  rec.ContentType,
		ETag:         rec.ETag,
		ContentHash:  rec.ContentHash,
		Metadata:     rec.Metadata,
	}
}

// ListChildren returns the immediate children of prefix. All backend pages
// are accumulated; the backend caps page size on its own terms.
func (a *Adapter) ListChildren(ctx context.Context, prefix string) (models.ListingPage, error) {
	prefix = NormalizePrefix(prefix)
	page := models.ListingPage{Folders: []models.FolderItem{}, Files: []models.FileItem{}}
	seen := make(map[string]bool)

	marker := ""
	pages := 0
	for {
		resp, err := a.store.List(ctx, services.ListRequest{
			Prefix:     prefix,
			Delimiter:  Delimiter,
			Marker:     marker,
			MaxResults: a.pageSize,
		})
		if err != nil {
			return models.ListingPage{}, fmt.Errorf("list children of %q: %w", prefix, err)
		}
		pages++

		for _, p := range resp.Prefixes {
			if seen[p] || (prefix == "" && p == SystemPrefix) {
				continue
			}
			seen[p] = true
			page.Folders = append(page.Folders, models.FolderItem{
				Prefix:      p,
				DisplayName: strings.TrimSuffix(strings.TrimPrefix(p, prefix), Delimiter),
			})
		}
		for _, rec := range resp.Objects {
			if IsPlaceholder(rec) || IsSystem(rec.Key) {
				continue
			}
			page.Files = append(page.Files, toFileItem(rec, prefix))
		}

		if resp.NextMarker == "" {
			break
		}
		marker = resp.NextMarker
	}

	log.Debug().Str("prefix", prefix).Int("pages", pages).
		Int("folders", len(page.Folders)).Int("files", len(page.Files)).
		Msg("listed children")
	return page, nil
}

// Walk calls fn with every raw backend page below prefix, placeholders
// included. The reserved tree is skipped unless prefix points inside it.
func (a *Adapter) Walk(ctx context.Context, prefix string, fn func(page []services.ObjectRecord) error) error {
	prefix = NormalizePrefix(prefix)
	inSystem := IsSystem(prefix)

	marker := ""
	for {
		resp, err := a.store.List(ctx, services.ListRequest{
			Prefix:     prefix,
			Marker:     marker,
			MaxResults: a.pageSize,
		})
		if err != nil {
			return fmt.Errorf("list descendants of %q: %w", prefix, err)
		}

		recs := resp.Objects
		if !inSystem {
			recs = recs[:0:0]
			for _, rec := range resp.Objects {
				if !IsSystem(rec.Key) {
					recs = append(recs, rec)
				}
			}
		}
		if len(recs) > 0 {
			if err := fn(recs); err != nil {
				return err
			}
		}

		if resp.NextMarker == "" {
			return nil
		}
		marker = resp.NextMarker
	}
}

// CollectKeys returns every key below prefix, placeholders included. More
// than limit keys is TooLarge; limit <= 0 means unbounded.
func (a *Adapter) CollectKeys(ctx context.Context, prefix string, limit int) ([]services.ObjectRecord, error) {
	var out []services.ObjectRecord
	err := a.Walk(ctx, prefix, func(page []services.ObjectRecord) error {
		out = append(out, page...)
		if limit > 0 && len(out) > limit {
			return apperr.Newf(apperr.TooLarge, "enumerate", "more than %d objects under the folder", limit).WithKey(NormalizePrefix(prefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAllDescendants returns every real file below prefix. A non-empty filter
// keeps files whose path relative to prefix contains it, ignoring case.
func (a *Adapter) ListAllDescendants(ctx context.Context, prefix, filter string) ([]models.FileItem, error) {
	prefix = NormalizePrefix(prefix)
	needle := strings.ToLower(strings.TrimSpace(filter))

	files := []models.FileItem{}
	err := a.Walk(ctx, prefix, func(page []services.ObjectRecord) error {
		for _, rec := range page {
			if IsPlaceholder(rec) || IsSystem(rec.Key) {
				continue
			}
			item := toFileItem(rec, prefix)
			if needle != "" && !strings.Contains(strings.ToLower(item.DisplayName), needle) {
				continue
			}
			files = append(files, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ImmediateChildren folds a descendant list into the folders and files
// directly under prefix. Folders come back sorted.
func ImmediateChildren(prefix string, descendants []models.FileItem) ([]models.FolderItem, []models.FileItem) {
	prefix = NormalizePrefix(prefix)
	seen := make(map[string]bool)
	var folders []models.FolderItem
	var files []models.FileItem

	for _, f := range descendants {
		rel := strings.TrimPrefix(f.Key, prefix)
		if idx := strings.Index(rel, Delimiter); idx >= 0 {
			p := prefix + rel[:idx+1]
			if !seen[p] {
				seen[p] = true
				folders = append(folders, models.FolderItem{Prefix: p, DisplayName: rel[:idx]})
			}
			continue
		}
		files = append(files, f)
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Prefix < folders[j].Prefix })
	return folders, files
}

// Exists reports whether any key, placeholder or not, starts with prefix.
func (a *Adapter) Exists(ctx context.Context, prefix string) (bool, error) {
	prefix = NormalizePrefix(prefix)
	resp, err := a.store.List(ctx, services.ListRequest{Prefix: prefix, MaxResults: 1})
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", prefix, err)
	}
	return len(resp.Objects) > 0, nil
}

// FileExists reports whether key is stored.
func (a *Adapter) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := a.store.Head(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case apperr.Is(err, apperr.NotFound):
		return false, nil
	default:
		return false, err
	}
}

// CreateFolder makes prefix visible by writing its placeholder.
func (a *Adapter) CreateFolder(ctx context.Context, prefix string) (models.FolderItem, error) {
	prefix = NormalizePrefix(prefix)
	if prefix == "" {
		return models.FolderItem{}, apperr.New(apperr.Invalid, "create-folder", "folder name is required")
	}
	if IsSystem(prefix) {
		return models.FolderItem{}, apperr.New(apperr.Invalid, "create-folder", "the .system folder is reserved").WithKey(prefix)
	}
	key := prefix + PlaceholderName
	if err := a.store.Put(ctx, key, strings.NewReader(""), 0, services.PutOptions{}); err != nil {
		return models.FolderItem{}, fmt.Errorf("create folder %q: %w", prefix, err)
	}
	log.Info().Str("prefix", prefix).Msg("folder created")
	return models.FolderItem{Prefix: prefix, DisplayName: BaseName(prefix)}, nil
}

// Stats totals the real files below prefix.
func (a *Adapter) Stats(ctx context.Context, prefix string) (models.FolderStats, error) {
	files, err := a.ListAllDescendants(ctx, prefix, "")
	if err != nil {
		return models.FolderStats{}, err
	}
	stats := models.FolderStats{Prefix: NormalizePrefix(prefix), Files: len(files)}
	for _, f := range files {
		stats.Bytes += f.Size
	}
	stats.FormattedSize = humanize.IBytes(uint64(stats.Bytes))
	return stats, nil
}

// Breadcrumbs splits prefix into navigable ancestors.
func Breadcrumbs(prefix string) []models.Breadcrumb {
	prefix = NormalizePrefix(prefix)
	if prefix == "" {
		return nil
	}
	var crumbs []models.Breadcrumb
	p := ""
	for _, part := range strings.Split(strings.TrimSuffix(prefix, Delimiter), Delimiter) {
		p += part + Delimiter
		crumbs = append(crumbs, models.Breadcrumb{Name: part, Path: p})
	}
	return crumbs
}
