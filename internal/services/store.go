package services

import (
	"context"
	"io"
	"time"

	"github.com/damacus/iron-folders/internal/models"
)

const (
	// DefaultPageSize is the page size requested from backends that accept one.
	DefaultPageSize = 5000

	// ChunkSize is the largest payload written with a single PUT; larger
	// payloads are uploaded as blocks and committed.
	ChunkSize int64 = 4 << 20

	// MaxBlocks is the number of blocks one committed object may hold.
	MaxBlocks = 50000
)

// ListRequest asks the backend for one page of a flat listing.
type ListRequest struct {
	Prefix string
	// Delimiter groups keys into common prefixes. Empty lists every key.
	Delimiter  string
	Marker     string
	MaxResults int
}

// ObjectRecord is an object as reported by the backend.
type ObjectRecord struct {
	Key          string
	Size         int64
	LastModified time.Time
	CreatedOn    time.Time
	ContentType  string
	ETag         string
	ContentHash  string
	Metadata     map[string]string
}

// ListResponse is one backend page. NextMarker is empty on the last page.
type ListResponse struct {
	Prefixes   []string
	Objects    []ObjectRecord
	NextMarker string
}

// GetOptions controls a read.
type GetOptions struct {
	// IfMatch makes the read conditional on the current entity tag.
	IfMatch string
}

// PutOptions controls a write.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is the flat primitive surface every backend provides. Keys are
// opaque; folder semantics live in the namespace package.
type ObjectStore interface {
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Head(ctx context.Context, key string) (ObjectRecord, error)
	Get(ctx context.Context, key string, opts GetOptions) (io.ReadCloser, ObjectRecord, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
}

// Sharer mints capability URLs for one container.
type Sharer interface {
	Share(ctx context.Context, req models.ShareRequest) (models.CapabilityURL, error)
}

// UsageReporter is implemented by backends that can report container usage
// without a recursive listing.
type UsageReporter interface {
	Usage(ctx context.Context) (models.FolderStats, error)
}

// StoreFactory creates backend clients bound to a credential and a container.
type StoreFactory interface {
	NewStore(cred Credential, container string) (ObjectStore, error)
	NewSharer(cred Credential, container string) (Sharer, error)
}
